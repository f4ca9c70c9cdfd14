package discovery

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// OnvifClient speaks just enough ONVIF SOAP to identify a camera and pull
// its RTSP stream URI.
type OnvifClient struct {
	BaseURL  string
	Username string
	Password string
	HTTP     *http.Client
}

func NewOnvifClient(xaddr, username, password string) (*OnvifClient, error) {
	u, err := url.Parse(xaddr)
	if err != nil {
		return nil, err
	}
	return &OnvifClient{
		BaseURL:  u.String(),
		Username: username,
		Password: password,
		HTTP:     &http.Client{Timeout: 2 * time.Second},
	}, nil
}

type DeviceInformation struct {
	Manufacturer    string
	Model           string
	FirmwareVersion string
	SerialNumber    string
}

func (c *OnvifClient) GetDeviceInformation(ctx context.Context) (*DeviceInformation, error) {
	resp, err := c.do(ctx, `<tds:GetDeviceInformation xmlns:tds="http://www.onvif.org/ver10/device/wsdl"/>`)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Body struct {
			GetDeviceInformationResponse DeviceInformation `xml:"GetDeviceInformationResponse"`
		}
	}
	if err := xml.Unmarshal(resp, &parsed); err != nil {
		return nil, err
	}
	return &parsed.Body.GetDeviceInformationResponse, nil
}

type MediaProfile struct {
	Name  string `xml:"Name"`
	Token string `xml:"token,attr"`
}

func (c *OnvifClient) GetProfiles(ctx context.Context) ([]MediaProfile, error) {
	resp, err := c.do(ctx, `<trt:GetProfiles xmlns:trt="http://www.onvif.org/ver10/media/wsdl"/>`)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Body struct {
			GetProfilesResponse struct {
				Profiles []MediaProfile `xml:"Profiles"`
			} `xml:"GetProfilesResponse"`
		}
	}
	if err := xml.Unmarshal(resp, &parsed); err != nil {
		return nil, err
	}
	return parsed.Body.GetProfilesResponse.Profiles, nil
}

func (c *OnvifClient) GetStreamUri(ctx context.Context, token string) (string, error) {
	body := fmt.Sprintf(`<trt:GetStreamUri xmlns:trt="http://www.onvif.org/ver10/media/wsdl">
		<trt:StreamSetup>
			<trt:Stream xmlns:tt="http://www.onvif.org/ver10/schema">tt:RTP-Unicast</trt:Stream>
			<trt:Transport xmlns:tt="http://www.onvif.org/ver10/schema">
				<tt:Protocol>tt:RTSP</tt:Protocol>
			</trt:Transport>
		</trt:StreamSetup>
		<trt:ProfileToken>%s</trt:ProfileToken>
	</trt:GetStreamUri>`, token)

	resp, err := c.do(ctx, body)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Body struct {
			GetStreamUriResponse struct {
				MediaUri struct {
					Uri string `xml:"Uri"`
				} `xml:"MediaUri"`
			} `xml:"GetStreamUriResponse"`
		}
	}
	if err := xml.Unmarshal(resp, &parsed); err != nil {
		return "", err
	}
	return parsed.Body.GetStreamUriResponse.MediaUri.Uri, nil
}

func (c *OnvifClient) do(ctx context.Context, bodyInner string) ([]byte, error) {
	envelope := `<?xml version="1.0" encoding="UTF-8"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope">
	<s:Header>%s</s:Header>
	<s:Body>%s</s:Body>
</s:Envelope>`
	payload := fmt.Sprintf(envelope, c.securityHeader(), bodyInner)

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL, bytes.NewBufferString(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/soap+xml; charset=utf-8; action=\"\"")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("onvif error %d: %s", resp.StatusCode, string(errBytes))
	}
	return io.ReadAll(resp.Body)
}

// securityHeader builds the WS-Security UsernameToken with a password
// digest, the auth mode most ONVIF cameras accept.
func (c *OnvifClient) securityHeader() string {
	if c.Username == "" {
		return ""
	}
	nonceStr := fmt.Sprintf("%d", time.Now().UnixNano())
	nonce := base64.StdEncoding.EncodeToString([]byte(nonceStr))
	created := time.Now().Format(time.RFC3339)
	digest := soapDigest(nonceStr, created, c.Password)

	return fmt.Sprintf(`<Security xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd">
		<UsernameToken>
			<Username>%s</Username>
			<Password Type="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest">%s</Password>
			<Nonce EncodingType="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary">%s</Nonce>
			<Created xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd">%s</Created>
		</UsernameToken>
	</Security>`, c.Username, digest, nonce, created)
}

// Digest = Base64(SHA1(nonce + created + password))
func soapDigest(nonce, created, password string) string {
	h := sha1.New()
	h.Write([]byte(nonce))
	h.Write([]byte(created))
	h.Write([]byte(password))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// stripCredentials removes user:pass@ from an RTSP URI before it is shown
// to operators or logged.
func stripCredentials(uri string) string {
	if idx := strings.Index(uri, "://"); idx != -1 {
		proto := uri[:idx+3]
		rest := uri[idx+3:]
		if at := strings.Index(rest, "@"); at != -1 {
			slash := strings.Index(rest, "/")
			if slash == -1 || at < slash {
				return proto + rest[at+1:]
			}
		}
	}
	return uri
}
