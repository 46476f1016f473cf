package main

import (
	"os"

	chatbridgecmder "github.com/papercomputeco/chatbridge/cmd/chatbridge"
)

func main() {
	cmd := chatbridgecmder.NewChatbridgeCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
