// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

type Keygen struct {
	Bytes  int    `name:"bytes" short:"b" help:"Length of the generated secret in bytes" default:"32"`
	Format string `name:"format" short:"f" help:"Output encoding, support: hex, base64" default:"hex"`
}

// Run prints a random secret suitable for the auth.secret config field.
func (c *Keygen) Run(g *Globals) error {
	if c.Bytes < 16 {
		c.Bytes = 32
	}
	buf := make([]byte, c.Bytes)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "Keygen error: %v\n", err)
		return err
	}
	switch strings.ToLower(c.Format) {
	case "hex":
		fmt.Fprintln(os.Stdout, hex.EncodeToString(buf))
	case "base64":
		fmt.Fprintln(os.Stdout, base64.StdEncoding.EncodeToString(buf))
	default:
		fmt.Fprintf(os.Stderr, "unsupported format: %v\n", c.Format)
		return errors.New("unsupported format")
	}
	return nil
}
