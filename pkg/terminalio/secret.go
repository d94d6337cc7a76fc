package terminalio

import (
	"fmt"
	"syscall"

	"golang.org/x/term"
)

// PromptSecret reads one line of masked input from the controlling
// terminal, the same posture the teacher's interactive bootstrap uses for
// password entry (term.ReadPassword(syscall.Stdin)). Used by cmd/leon's
// first-run setup to collect provider API keys without echoing them to
// the terminal or a shell history file.
func PromptSecret(label string) (string, error) {
	fmt.Printf("%s: ", label)
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("terminalio: read secret: %w", err)
	}
	return string(bytePassword), nil
}
