package cmd

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// RunToken prints the api.token_hash line for a bearer token. The token is
// read from r; with generate set a random one is created and printed too.
func RunToken(w io.Writer, r io.Reader, generate bool) error {
	var token string
	if generate {
		buf := make([]byte, 24)
		if _, err := rand.Read(buf); err != nil {
			return err
		}
		token = hex.EncodeToString(buf)
		Printer.Fprintf(w, "token:      %s\n", token)
	} else {
		line, err := bufio.NewReader(r).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		token = strings.TrimSpace(line)
		if token == "" {
			return errors.New("no token on stdin")
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash token: %w", err)
	}
	Printer.Fprintf(w, "token_hash = %q\n", string(hash))
	return nil
}
