// Command indexdump prints the contents of an identity index file.
//
//	indexdump -dim 128 /var/lib/ts-fts/index/identities.idx
package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/technosupport/ts-fts/internal/identity"
	"github.com/technosupport/ts-fts/internal/platform/paths"
)

func main() {
	dim := flag.Int("dim", 128, "embedding dimension the index was written with")
	flag.Parse()

	path := paths.ResolveIndexPath(flag.Arg(0))

	idx, err := identity.LoadIndex(path, *dim)
	if err != nil {
		fmt.Fprintf(os.Stderr, "indexdump: %v\n", err)
		os.Exit(1)
	}

	ids := idx.All()
	fmt.Printf("%s: %d identities, dim %d\n", path, len(ids), idx.Dim())

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EMPLOYEE\tNAME\tENROLLED\tVECTOR")
	for _, id := range ids {
		fmt.Fprintf(w, "%s\t%s\t%s\t[%0.4f ...]\n",
			id.EmployeeID, id.Name,
			id.EnrolledAt.Format("2006-01-02 15:04:05"),
			id.Vector[0])
	}
	w.Flush()
}
