// Package schema parses the STP/1 introspection replies (HostInfo,
// CommandInfo, MessageInfo, EnumInfo) into a per-service command/field tree
// used for pretty-printing (spec §4.8). The raw shapes are untagged JSON
// arrays; decoding follows the original's index-based field layout exactly
// (dragonkeeper's utils.py MessageMap), rendered here with encoding/json
// instead of the original's "eval the payload as a literal" trick (spec
// §9's JSON-decoding design note).
package schema

import (
	"encoding/json"
	"fmt"
)

// Qualifier is a field's repetition rule.
type Qualifier int

const (
	Required Qualifier = iota
	Optional
	Repeated
)

func (q Qualifier) String() string {
	switch q {
	case Optional:
		return "optional"
	case Repeated:
		return "repeated"
	default:
		return "required"
	}
}

// Field is one resolved field of a command/response/event message.
type Field struct {
	Name    string
	Type    int
	Q       Qualifier
	IsUnion bool

	// MessageName and Message describe a submessage reference. Message is
	// nil for a scalar field.
	MessageName string
	Message     []Field

	// Recursive names the field, somewhere up the current resolution
	// chain, whose submessage this field re-enters. When set, Message is
	// always nil: pretty-printing must substitute the earlier node
	// instead of recursing (spec §9 "self-referential schemas").
	Recursive string

	EnumName string
	Enum     []string
}

// CommandDef is the resolved field tree for one command number: its
// request fields, response fields, and (for events) its event fields.
type CommandDef struct {
	Number   uint32
	Name     string
	Command  []Field
	Response []Field
	Event    []Field
}

// Schema is the full resolved command/field map for one service.
type Schema struct {
	Service  string
	Commands map[uint32]*CommandDef
}

// --- raw wire shapes -------------------------------------------------

// arrAt returns element i of arr, or nil/false if arr is too short. All
// raw STP/1 introspection lists are JSON arrays with trailing optional
// elements, so every accessor goes through this.
func arrAt(arr []json.RawMessage, i int) (json.RawMessage, bool) {
	if i < 0 || i >= len(arr) {
		return nil, false
	}
	return arr[i], true
}

func stringAt(arr []json.RawMessage, i int) (string, bool) {
	raw, ok := arrAt(arr, i)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func intAt(arr []json.RawMessage, i int) (int, bool) {
	raw, ok := arrAt(arr, i)
	if !ok {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return int(f), true
}

func arrayAt(arr []json.RawMessage, i int) ([]json.RawMessage, bool) {
	raw, ok := arrAt(arr, i)
	if !ok {
		return nil, false
	}
	var nested []json.RawMessage
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil, false
	}
	return nested, true
}

func topArray(payload []byte) ([]json.RawMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(payload, &arr); err != nil {
		return nil, fmt.Errorf("schema: decode payload: %w", err)
	}
	return arr, nil
}

// --- HostInfo ----------------------------------------------------------

// scopeVersion extracts the "scope" service's major.minor version from a
// HostInfo reply payload: a top-level array whose index 5 is a list of
// [name, "major.minor"] pairs.
func scopeVersion(payload []byte) (major, minor int, err error) {
	top, err := topArray(payload)
	if err != nil {
		return 0, 0, err
	}
	services, ok := arrayAt(top, 5)
	if !ok {
		return 0, 0, fmt.Errorf("schema: HostInfo payload missing service list")
	}
	for _, raw := range services {
		var entry []json.RawMessage
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		name, ok := stringAt(entry, 0)
		if !ok || name != "scope" {
			continue
		}
		ver, ok := stringAt(entry, 1)
		if !ok {
			return 0, 0, fmt.Errorf("schema: HostInfo scope entry missing version")
		}
		if _, err := fmt.Sscanf(ver, "%d.%d", &major, &minor); err != nil {
			return 0, 0, fmt.Errorf("schema: parse scope version %q: %w", ver, err)
		}
		return major, minor, nil
	}
	return 0, 0, fmt.Errorf("schema: HostInfo reply did not list a scope service")
}

// --- EnumInfo ------------------------------------------------------------

type rawEnum struct {
	id     int
	name   string
	labels []string // index == numeric value
}

// parseEnumInfo parses an EnumInfo reply payload: a top-level array whose
// index 0 is the list of enum defs, each [id, name, [[label, number], ...]].
func parseEnumInfo(payload []byte) ([]rawEnum, error) {
	top, err := topArray(payload)
	if err != nil {
		return nil, err
	}
	defs, ok := arrayAt(top, 0)
	if !ok {
		return nil, nil
	}

	out := make([]rawEnum, 0, len(defs))
	for _, raw := range defs {
		var entry []json.RawMessage
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("schema: malformed enum entry: %w", err)
		}
		id, _ := intAt(entry, 0)
		name, _ := stringAt(entry, 1)
		values, _ := arrayAt(entry, 2)

		max := -1
		byNumber := make(map[int]string)
		for _, vraw := range values {
			var pair []json.RawMessage
			if err := json.Unmarshal(vraw, &pair); err != nil {
				continue
			}
			label, _ := stringAt(pair, 0)
			number, _ := intAt(pair, 1)
			byNumber[number] = label
			if number > max {
				max = number
			}
		}
		labels := make([]string, max+1)
		for n, label := range byNumber {
			labels[n] = label
		}
		out = append(out, rawEnum{id: id, name: name, labels: labels})
	}
	return out, nil
}

func findEnum(enums []rawEnum, id int) (name string, labels []string, ok bool) {
	for _, e := range enums {
		if e.id == id {
			return e.name, e.labels, true
		}
	}
	return "", nil, false
}

// --- CommandInfo -----------------------------------------------------

type rawCommand struct {
	name       string
	number     int
	messageID  int
	responseID int
	hasResp    bool
}

type rawCommandInfo struct {
	commands []rawCommand
	events   []rawCommand
}

// parseCommandInfo parses a CommandInfo reply payload: a top-level array
// whose index 0 is the command list and (optionally) index 1 the event
// list. Each entry is [name, number, messageID, responseID] (events omit
// responseID).
func parseCommandInfo(payload []byte) (rawCommandInfo, error) {
	top, err := topArray(payload)
	if err != nil {
		return rawCommandInfo{}, err
	}

	parseList := func(idx int) ([]rawCommand, error) {
		list, ok := arrayAt(top, idx)
		if !ok {
			return nil, nil
		}
		out := make([]rawCommand, 0, len(list))
		for _, raw := range list {
			var entry []json.RawMessage
			if err := json.Unmarshal(raw, &entry); err != nil {
				return nil, fmt.Errorf("schema: malformed command entry: %w", err)
			}
			name, _ := stringAt(entry, 0)
			number, _ := intAt(entry, 1)
			messageID, _ := intAt(entry, 2)
			responseID, hasResp := intAt(entry, 3)
			out = append(out, rawCommand{
				name: name, number: number, messageID: messageID,
				responseID: responseID, hasResp: hasResp,
			})
		}
		return out, nil
	}

	commands, err := parseList(0)
	if err != nil {
		return rawCommandInfo{}, err
	}
	events, err := parseList(1)
	if err != nil {
		return rawCommandInfo{}, err
	}
	return rawCommandInfo{commands: commands, events: events}, nil
}

// --- MessageInfo -----------------------------------------------------

type rawMessage struct {
	id      int
	name    string
	fields  []json.RawMessage // each a raw field-entry array
	isUnion bool
}

// parseMessageInfo parses a MessageInfo reply payload: a top-level array
// whose index 0 is the message list, each [id, name, fieldList, ...,
// isUnion].
func parseMessageInfo(payload []byte) ([]rawMessage, error) {
	top, err := topArray(payload)
	if err != nil {
		return nil, err
	}
	list, ok := arrayAt(top, 0)
	if !ok {
		return nil, nil
	}

	out := make([]rawMessage, 0, len(list))
	for _, raw := range list {
		var entry []json.RawMessage
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("schema: malformed message entry: %w", err)
		}
		id, _ := intAt(entry, 0)
		name, _ := stringAt(entry, 1)
		fields, _ := arrayAt(entry, 2)
		isUnionInt, _ := intAt(entry, 4)
		out = append(out, rawMessage{id: id, name: name, fields: fields, isUnion: isUnionInt != 0})
	}
	return out, nil
}

func findMessage(list []rawMessage, id int) (rawMessage, bool) {
	for _, m := range list {
		if m.id == id {
			return m, true
		}
	}
	return rawMessage{}, false
}

// resolveFields turns one message's raw field list into the public Field
// tree, recursively resolving submessage references. seen interns the
// first field name to resolve a given submessage id along the current
// path so a later re-entry emits a Recursive marker instead of looping
// forever (spec §9 self-referential schemas).
func resolveFields(msg rawMessage, ok bool, all []rawMessage, enums []rawEnum, seen map[string]bool) []Field {
	if !ok {
		return nil
	}

	out := make([]Field, 0, len(msg.fields))
	for _, raw := range msg.fields {
		var entry []json.RawMessage
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		name, _ := stringAt(entry, 0)
		typ, _ := intAt(entry, 1)
		// entry[2] is the field number on the wire; not needed for
		// pretty-printing, so it is intentionally not carried here.
		qv, hasQ := intAt(entry, 3)
		submsgID, hasSubmsg := intAt(entry, 4)
		enumID, hasEnum := intAt(entry, 5)

		f := Field{Name: name, Type: typ, Q: Required}
		if hasQ {
			f.Q = Qualifier(qv)
		}

		if hasSubmsg && submsgID != 0 {
			if seen[name] {
				f.Recursive = name
			} else {
				sub, subOK := findMessage(all, submsgID)
				f.MessageName = "default"
				if subOK {
					f.MessageName = sub.name
					f.IsUnion = sub.isUnion
				}
				nextSeen := make(map[string]bool, len(seen)+1)
				for k := range seen {
					nextSeen[k] = true
				}
				nextSeen[name] = true
				f.Message = resolveFields(sub, subOK, all, enums, nextSeen)
			}
		}
		if hasEnum && enumID != 0 {
			if name2, labels, ok := findEnum(enums, enumID); ok {
				f.EnumName = name2
				f.Enum = labels
			}
		}
		out = append(out, f)
	}
	return out
}

// Resolve builds the full command/field tree for one service from its
// three raw introspection replies (spec §4.8 step 5).
func Resolve(service string, commandInfo, messageInfo []byte, enumInfo []byte) (*Schema, error) {
	cmds, err := parseCommandInfo(commandInfo)
	if err != nil {
		return nil, err
	}
	msgs, err := parseMessageInfo(messageInfo)
	if err != nil {
		return nil, err
	}
	var enums []rawEnum
	if enumInfo != nil {
		enums, err = parseEnumInfo(enumInfo)
		if err != nil {
			return nil, err
		}
	}

	sc := &Schema{Service: service, Commands: make(map[uint32]*CommandDef)}
	for _, c := range cmds.commands {
		def := &CommandDef{Number: uint32(c.number), Name: c.name}
		msg, ok := findMessage(msgs, c.messageID)
		def.Command = resolveFields(msg, ok, msgs, enums, map[string]bool{})
		if c.hasResp {
			rmsg, rok := findMessage(msgs, c.responseID)
			def.Response = resolveFields(rmsg, rok, msgs, enums, map[string]bool{})
		}
		sc.Commands[def.Number] = def
	}
	for _, c := range cmds.events {
		def, ok := sc.Commands[uint32(c.number)]
		if !ok {
			def = &CommandDef{Number: uint32(c.number), Name: c.name}
			sc.Commands[def.Number] = def
		}
		msg, mok := findMessage(msgs, c.messageID)
		def.Event = resolveFields(msg, mok, msgs, enums, map[string]bool{})
	}
	return sc, nil
}
