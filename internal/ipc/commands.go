package ipc

import (
	"os"
	"path/filepath"
	"strings"
)

// Command is a control request from a UI client to the watch daemon.
type Command string

const (
	CmdPause  Command = "pause"  // stop picking up new recordings
	CmdResume Command = "resume" // resume picking up recordings
	CmdRescan Command = "rescan" // queue every recording already in the inbox
	CmdCancel Command = "cancel" // abort the request in progress
	CmdQuit   Command = "quit"   // shut the daemon down
)

// CommandPath returns ~/.cache/whisperrec/cmd.txt.
func CommandPath() string {
	return filepath.Join(CacheDir(), "cmd.txt")
}

// WriteCommand writes a command for the daemon to pick up.
func WriteCommand(cmd Command) error {
	if err := os.MkdirAll(CacheDir(), 0755); err != nil {
		return err
	}
	return os.WriteFile(CommandPath(), []byte(string(cmd)), 0644)
}

// ReadCommand reads and clears the pending command. It returns "" when
// nothing is pending or the file holds an unknown command.
func ReadCommand() (Command, error) {
	data, err := os.ReadFile(CommandPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	// Clear first so a command never runs twice.
	if err := os.WriteFile(CommandPath(), nil, 0644); err != nil {
		return "", err
	}

	cmd := Command(strings.TrimSpace(string(data)))
	switch cmd {
	case CmdPause, CmdResume, CmdRescan, CmdCancel, CmdQuit:
		return cmd, nil
	default:
		return "", nil
	}
}
