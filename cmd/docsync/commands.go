package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ericfitz/docsync/internal/delta"
)

var (
	errUnknownCommand = errors.New("unknown command")
	errUsage          = errors.New("usage")
	errQuit           = errors.New("quit")
)

// editorSession is the part of session.Session the terminal drives.
type editorSession interface {
	LocalEdit(change delta.Delta) error
	BeginTitleEdit() error
	SetTitleDraft(title string) error
	CommitTitle() error
	MoveCursor(r delta.Range) error
	SendChat(text string) (bool, error)
	Text() string
}

type command struct {
	name  string
	index int
	n     int
	text  string
}

const help = `commands:
  /insert <index> <text>   insert text at index
  /delete <index> <count>  delete count characters at index
  /title <text>            rename the document
  /cursor <index> <length> move the local cursor
  /say <text>              send a chat message (plain lines do the same)
  /show                    print the document
  /quit                    leave`

func parseCommand(line string) (command, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "/") {
		return command{name: "say", text: line}, nil
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	switch name {
	case "insert":
		idx, text, ok := strings.Cut(rest, " ")
		index, err := strconv.Atoi(idx)
		if !ok || err != nil || text == "" {
			return command{}, fmt.Errorf("%w: /insert <index> <text>", errUsage)
		}
		return command{name: name, index: index, text: text}, nil
	case "delete", "cursor":
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			return command{}, fmt.Errorf("%w: /%s <index> <n>", errUsage, name)
		}
		index, err1 := strconv.Atoi(fields[0])
		n, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			return command{}, fmt.Errorf("%w: /%s <index> <n>", errUsage, name)
		}
		return command{name: name, index: index, n: n}, nil
	case "title", "say":
		return command{name: name, text: rest}, nil
	case "show", "help", "quit":
		return command{name: name}, nil
	default:
		return command{}, fmt.Errorf("%w: /%s", errUnknownCommand, name)
	}
}

// edit builds the change for an insert or delete at index.
func edit(cmd command) delta.Delta {
	change := delta.New()
	if cmd.index > 0 {
		change = change.Retain(cmd.index, nil)
	}
	if cmd.name == "insert" {
		return change.Insert(cmd.text, nil)
	}
	return change.Delete(cmd.n)
}

// execute runs one command and returns text to print, if any.
func execute(s editorSession, cmd command) (string, error) {
	switch cmd.name {
	case "insert", "delete":
		if cmd.index < 0 || (cmd.name == "delete" && cmd.n <= 0) {
			return "", fmt.Errorf("%w: index must be >= 0 and count > 0", errUsage)
		}
		return "", s.LocalEdit(edit(cmd))
	case "title":
		if err := s.BeginTitleEdit(); err != nil {
			return "", err
		}
		if err := s.SetTitleDraft(cmd.text); err != nil {
			return "", err
		}
		return "", s.CommitTitle()
	case "cursor":
		return "", s.MoveCursor(delta.Range{Index: cmd.index, Length: cmd.n})
	case "say":
		sent, err := s.SendChat(cmd.text)
		if err != nil {
			return "", err
		}
		if !sent {
			return "(nothing sent)", nil
		}
		return "", nil
	case "show":
		return s.Text(), nil
	case "help":
		return help, nil
	case "quit":
		return "", errQuit
	}
	return "", fmt.Errorf("%w: /%s", errUnknownCommand, cmd.name)
}
