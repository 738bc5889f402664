package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/duskrelay/tunnel/pkg/protocol"
)

func main() {
	cmd := &cobra.Command{
		Use:   "tunnel-digest <service-name>",
		Short: "Print the SHA-256 service digest tunneld uses to address a service on the wire",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			digest := protocol.ServiceDigest(args[0])
			_, err := fmt.Fprintln(os.Stdout, hex.EncodeToString(digest[:]))
			return err
		},
	}
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
