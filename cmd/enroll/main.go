// Command enroll registers an employee face with a running FTS instance.
//
//	enroll -addr http://localhost:8085 -id E001 -name "Priya Sharma" face.jpg
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

func main() {
	addr := flag.String("addr", "http://localhost:8085", "FTS base URL")
	id := flag.String("id", "", "employee id (required)")
	name := flag.String("name", "", "employee display name")
	flag.Parse()

	if *id == "" || flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: enroll -id E001 [-name NAME] [-addr URL] IMAGE\n")
		os.Exit(2)
	}
	imagePath := flag.Arg(0)

	img, err := os.ReadFile(imagePath)
	if err != nil {
		log.Fatalf("read image: %v", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("employee_id", *id)
	mw.WriteField("name", *name)
	part, err := mw.CreateFormFile("image", filepath.Base(imagePath))
	if err != nil {
		log.Fatalf("build form: %v", err)
	}
	if _, err := part.Write(img); err != nil {
		log.Fatalf("build form: %v", err)
	}
	if err := mw.Close(); err != nil {
		log.Fatalf("build form: %v", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(*addr+"/api/v1/identities", mw.FormDataContentType(), &body)
	if err != nil {
		log.Fatalf("enroll request: %v", err)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		log.Fatalf("enroll failed (%s): %s", resp.Status, bytes.TrimSpace(out))
	}
	fmt.Printf("enrolled %s: %s\n", *id, bytes.TrimSpace(out))
}
