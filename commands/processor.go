// Package commands runs the user-defined plugin commands from the config.
// Each command names a plugin and a command document; running it hands the
// document to that plugin's ExecuteCommand entry point.
package commands

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"widgetsensors/strutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrUnknownCommand is returned for a name that is not configured.
	ErrUnknownCommand = errors.New("commands: unknown command")
	// ErrRejected is returned when the plugin is missing, lacks
	// ExecuteCommand, or reports failure.
	ErrRejected = errors.New("commands: plugin rejected command")
)

// Dispatcher routes a command document to a plugin.
type Dispatcher interface {
	Dispatch(plugin, command string) bool
}

// Command is one configured entry.
type Command struct {
	Name    string         `yaml:"name" json:"name"`
	Plugin  string         `yaml:"plugin" json:"plugin"`
	Command string         `yaml:"command" json:"command"`
	Params  map[string]any `yaml:"params" json:"params,omitempty"`
}

// Processor holds the configured commands keyed by lower-cased name.
type Processor struct {
	dispatcher Dispatcher
	commands   map[string]Command
	names      []string
}

// NewProcessor validates the entries and indexes them by name.
func NewProcessor(dispatcher Dispatcher, entries []Command) (*Processor, error) {
	p := &Processor{
		dispatcher: dispatcher,
		commands:   make(map[string]Command, len(entries)),
	}
	for i, entry := range entries {
		entry.Name = strings.TrimSpace(entry.Name)
		entry.Plugin = strutil.NormalizeLower(entry.Plugin)
		entry.Command = strings.TrimSpace(entry.Command)
		if entry.Name == "" || entry.Plugin == "" || entry.Command == "" {
			return nil, fmt.Errorf("commands: entry %d needs name, plugin and command", i)
		}
		key := strings.ToLower(entry.Name)
		if _, dup := p.commands[key]; dup {
			return nil, fmt.Errorf("commands: duplicate command name %q", entry.Name)
		}
		p.commands[key] = entry
		p.names = append(p.names, entry.Name)
	}
	sort.Strings(p.names)
	return p, nil
}

// Names lists the configured command names.
func (p *Processor) Names() []string {
	return append([]string(nil), p.names...)
}

// Lookup returns the entry for name.
func (p *Processor) Lookup(name string) (Command, bool) {
	cmd, ok := p.commands[strutil.NormalizeLower(name)]
	return cmd, ok
}

// Document renders the payload handed to ExecuteCommand. Params default to
// an empty array when the entry has none.
func Document(cmd Command) ([]byte, error) {
	var params any = []string{}
	if len(cmd.Params) > 0 {
		params = cmd.Params
	}
	return json.Marshal(struct {
		Command string `json:"command"`
		Params  any    `json:"params"`
	}{Command: cmd.Command, Params: params})
}

// Purpose: Execute a configured command by name.
// Key aspects: Unknown names and plugin refusals are distinct errors so the
// admin surface can map them to status codes.
// Upstream: admin POST /commands/{name}, ProcessCommand.
// Downstream: Document, Dispatcher.Dispatch.
func (p *Processor) Run(name string) error {
	cmd, ok := p.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	doc, err := Document(cmd)
	if err != nil {
		return fmt.Errorf("commands: encode %s: %w", cmd.Name, err)
	}
	if p.dispatcher == nil || !p.dispatcher.Dispatch(cmd.Plugin, string(doc)) {
		log.Printf("Commands: error executing command %s on %s", cmd.Command, cmd.Plugin)
		return fmt.Errorf("%w: %s", ErrRejected, cmd.Name)
	}
	log.Printf("Commands: executed %s on %s", cmd.Command, cmd.Plugin)
	return nil
}

// ProcessCommand parses a single console line and returns the response text.
func (p *Processor) ProcessCommand(line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	parts := strings.Fields(line)
	switch strings.ToUpper(parts[0]) {
	case "HELP", "H":
		return p.handleHelp()
	case "LIST", "LS":
		return p.handleList()
	case "RUN":
		if len(parts) < 2 {
			return "Usage: RUN <command>\n"
		}
		name := strings.Join(parts[1:], " ")
		if err := p.Run(name); err != nil {
			switch {
			case errors.Is(err, ErrUnknownCommand):
				return fmt.Sprintf("Unknown command: %s\n", name)
			default:
				return fmt.Sprintf("Command %s failed.\n", name)
			}
		}
		return fmt.Sprintf("Command %s executed.\n", name)
	default:
		return fmt.Sprintf("Unknown command: %s\nType HELP for available commands.\n", parts[0])
	}
}

func (p *Processor) handleHelp() string {
	return `Available commands:
HELP          - Show this help
LIST          - List configured plugin commands
RUN <command> - Execute a configured plugin command
`
}

func (p *Processor) handleList() string {
	if len(p.names) == 0 {
		return "No commands configured.\n"
	}
	var b strings.Builder
	for _, name := range p.names {
		cmd := p.commands[strings.ToLower(name)]
		fmt.Fprintf(&b, "%s -> %s.%s\n", name, cmd.Plugin, cmd.Command)
	}
	return b.String()
}
