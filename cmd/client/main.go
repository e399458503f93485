package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/bcmp-chat/bcmp/pkg/client"
	"github.com/bcmp-chat/bcmp/pkg/client/ui"
	"github.com/bcmp-chat/bcmp/pkg/envelope"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	addr := flag.String("addr", "localhost:7878", "Server address")
	nick := flag.String("nick", "", "Nickname to use")
	scheme := flag.String("scheme", "", "Encryption scheme (aead or block); must match the server")
	keyHex := flag.String("key", "", "Hex-encoded 32-byte key for the encrypted transport")
	notify := flag.Bool("notify", false, "Desktop notification on incoming chat")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("bcmp-client %s\n", Version)
		os.Exit(0)
	}

	if *nick == "" {
		fmt.Fprintln(os.Stderr, "a nickname is required (-nick)")
		os.Exit(1)
	}

	opts := client.Options{Scheme: envelope.Scheme(*scheme)}
	if *keyHex != "" {
		key, err := envelope.ParseKey(*keyHex)
		if err != nil {
			log.Fatalf("Invalid key: %v", err)
		}
		opts.Key = key
	}

	conn, err := client.Dial(*addr, opts)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", *addr, err)
	}
	defer conn.Close()

	program := tea.NewProgram(ui.New(conn, *nick, *notify), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		log.Fatalf("UI error: %v", err)
	}
}
