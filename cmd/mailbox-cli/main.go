package main

import "github.com/nfrund/mailbox/cmd/mailbox-cli/cmd"

func main() {
	cmd.Execute()
}
