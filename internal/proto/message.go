package proto

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

const (
	// MaxDatagramSize is the largest UDP payload over IPv4 (65535 - 8 - 20).
	MaxDatagramSize = 65507

	// MaxHeaderSize bounds a textual header read from a stream.
	MaxHeaderSize = 64 * 1024

	FieldOperation = "operation"

	delimiter = ':'
	endLine   = '\n'
)

// Message is an operation plus a set of field:value pairs. A field that was
// never set is absent, which is distinct from a field set to "".
type Message struct {
	Operation string
	values    map[string]string
}

func NewMessage(op string) *Message {
	return &Message{Operation: op, values: make(map[string]string)}
}

// Set stores value under field (case-insensitive) and returns m for chaining.
func (m *Message) Set(field, value string) *Message {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[strings.ToLower(field)] = value
	return m
}

// Get returns the value for field and whether it was present.
func (m *Message) Get(field string) (string, bool) {
	v, ok := m.values[strings.ToLower(field)]
	return v, ok
}

func (m *Message) Has(field string) bool {
	_, ok := m.Get(field)
	return ok
}

// Len returns the number of fields set, not counting the operation.
func (m *Message) Len() int { return len(m.values) }

// Schema is the set of fields one protocol recognizes, in wire order.
type Schema struct {
	name   string
	fields []string
	known  map[string]bool
}

func NewSchema(name string, fields ...string) *Schema {
	s := &Schema{name: name, known: map[string]bool{FieldOperation: true}}
	for _, f := range fields {
		f = strings.ToLower(f)
		if f == FieldOperation || s.known[f] {
			continue
		}
		s.fields = append(s.fields, f)
		s.known[f] = true
	}
	return s
}

func (s *Schema) Name() string { return s.name }

// Knows reports whether field belongs to this schema.
func (s *Schema) Knows(field string) bool { return s.known[strings.ToLower(field)] }

// Marshal encodes m as "field:value" lines, operation first, followed by a
// blank line. Fields that are not set are not emitted.
func (s *Schema) Marshal(m *Message) ([]byte, error) {
	if m == nil || strings.TrimSpace(m.Operation) == "" {
		return nil, protoErr("", "%s: empty operation", s.name)
	}
	for f := range m.values {
		if !s.known[f] || f == FieldOperation {
			return nil, protoErr("", "%s: unknown field %q", s.name, f)
		}
	}

	var buf bytes.Buffer
	if err := writeLine(&buf, FieldOperation, m.Operation); err != nil {
		return nil, err
	}
	for _, f := range s.fields {
		v, ok := m.values[f]
		if !ok {
			continue
		}
		if err := writeLine(&buf, f, v); err != nil {
			return nil, err
		}
	}
	buf.WriteByte(endLine)
	return buf.Bytes(), nil
}

// MarshalDatagram is Marshal with the UDP payload bound enforced.
func (s *Schema) MarshalDatagram(m *Message) ([]byte, error) {
	b, err := s.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(b) > MaxDatagramSize {
		return nil, protoErr("", "%s: message of %d bytes exceeds datagram limit %d", s.name, len(b), MaxDatagramSize)
	}
	return b, nil
}

func writeLine(buf *bytes.Buffer, field, value string) error {
	if strings.ContainsAny(value, "\r\n") {
		return protoErr("", "value of %q contains a line break", field)
	}
	buf.WriteString(field)
	buf.WriteByte(delimiter)
	buf.WriteString(value)
	buf.WriteByte(endLine)
	return nil
}

// Unmarshal decodes one message from data. Decoding stops at the first blank
// line; a missing terminator is tolerated. The parser is strict: unknown or
// repeated fields and a first line other than operation are errors.
func (s *Schema) Unmarshal(data []byte) (*Message, error) {
	var m *Message
	for _, raw := range strings.Split(string(data), string(endLine)) {
		done, err := s.parseLine(&m, raw)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	if m == nil {
		return nil, protoErr("", "%s: empty message", s.name)
	}
	return m, nil
}

// WriteMessage writes the encoded message to w.
func (s *Schema) WriteMessage(w io.Writer, m *Message) error {
	b, err := s.Marshal(m)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadMessage reads one message header from r, leaving any payload that
// follows the blank line unread. It returns io.EOF if the stream ends before
// any line and io.ErrUnexpectedEOF if it ends mid-header.
func (s *Schema) ReadMessage(r *bufio.Reader) (*Message, error) {
	var m *Message
	total := 0
	for {
		line, err := readLine(r, MaxHeaderSize-total)
		total += len(line) + 1
		if err != nil {
			if errors.Is(err, io.EOF) {
				if m == nil && line == "" {
					return nil, io.EOF
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		done, err := s.parseLine(&m, line)
		if err != nil {
			return nil, err
		}
		if done {
			return m, nil
		}
	}
}

// parseLine applies one header line to *m. It reports done on the blank
// terminator line.
func (s *Schema) parseLine(m **Message, raw string) (bool, error) {
	line := strings.TrimRight(raw, "\r")
	if strings.TrimSpace(line) == "" {
		return *m != nil, nil
	}
	idx := strings.IndexByte(line, delimiter)
	if idx < 0 {
		return false, protoErr(line, "%s: missing delimiter", s.name)
	}
	field := strings.ToLower(strings.TrimSpace(line[:idx]))
	value := strings.TrimSpace(line[idx+1:])

	if !s.known[field] {
		return false, protoErr(line, "%s: unknown field %q", s.name, field)
	}
	if *m == nil {
		if field != FieldOperation {
			return false, protoErr(line, "%s: first field must be %s", s.name, FieldOperation)
		}
		if value == "" {
			return false, protoErr(line, "%s: empty operation", s.name)
		}
		*m = NewMessage(value)
		return false, nil
	}
	if field == FieldOperation || (*m).Has(field) {
		return false, protoErr(line, "%s: repeated field %q", s.name, field)
	}
	(*m).Set(field, value)
	return false, nil
}

func readLine(r *bufio.Reader, limit int) (string, error) {
	var sb strings.Builder
	for {
		chunk, err := r.ReadSlice(endLine)
		if sb.Len()+len(chunk) > limit {
			return "", protoErr("", "header exceeds %d bytes", MaxHeaderSize)
		}
		sb.Write(chunk)
		if err == nil {
			return strings.TrimSuffix(sb.String(), string(endLine)), nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return sb.String(), err
	}
}
