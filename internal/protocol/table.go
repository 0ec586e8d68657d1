package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Table represents an AMQP field table
type Table map[string]any

// ReadShortString reads a short string (max 255 bytes)
func ReadShortString(r io.Reader) (string, error) {
	var length uint8
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", err
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteShortString writes a short string
func WriteShortString(w io.Writer, s string) error {
	if len(s) > 255 {
		return fmt.Errorf("short string too long: %d", len(s))
	}
	if err := binary.Write(w, binary.BigEndian, uint8(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadLongString reads a long string
func ReadLongString(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteLongString writes a long string
func WriteLongString(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadTable reads an AMQP field table
func ReadTable(r io.Reader) (Table, error) {
	data, err := ReadLongString(r)
	if err != nil {
		return nil, err
	}

	table := make(Table)
	buf := bytes.NewReader(data)
	for buf.Len() > 0 {
		name, err := ReadShortString(buf)
		if err != nil {
			return nil, fmt.Errorf("table field name: %w", err)
		}
		value, err := readFieldValue(buf)
		if err != nil {
			return nil, fmt.Errorf("table field %q: %w", name, err)
		}
		table[name] = value
	}
	return table, nil
}

// WriteTable writes an AMQP field table
func WriteTable(w io.Writer, table Table) error {
	var buf bytes.Buffer
	for name, value := range table {
		if err := WriteShortString(&buf, name); err != nil {
			return err
		}
		if err := writeFieldValue(&buf, value); err != nil {
			return fmt.Errorf("table field %q: %w", name, err)
		}
	}
	return WriteLongString(w, buf.Bytes())
}

// readFieldValue reads one type-tagged field value
func readFieldValue(r io.Reader) (any, error) {
	var tag byte
	if err := binary.Read(r, binary.BigEndian, &tag); err != nil {
		return nil, err
	}

	switch tag {
	case 't':
		var b uint8
		err := binary.Read(r, binary.BigEndian, &b)
		return b != 0, err
	case 'b':
		return readFixed[int8](r)
	case 'B':
		return readFixed[uint8](r)
	case 's':
		return readFixed[int16](r)
	case 'u':
		return readFixed[uint16](r)
	case 'I':
		return readFixed[int32](r)
	case 'i':
		return readFixed[uint32](r)
	case 'l':
		return readFixed[int64](r)
	case 'f':
		return readFixed[float32](r)
	case 'd':
		return readFixed[float64](r)
	case 'S':
		return ReadLongString(r)
	case 'T':
		ts, err := readFixed[int64](r)
		return time.Unix(ts, 0), err
	case 'F':
		return ReadTable(r)
	case 'A':
		return readArray(r)
	case 'V':
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown field type: %c", tag)
	}
}

func readFixed[T any](r io.Reader) (T, error) {
	var v T
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

// writeFieldValue writes a type-tagged field value
func writeFieldValue(w io.Writer, value any) error {
	tagged := func(tag byte, v any) error {
		if err := binary.Write(w, binary.BigEndian, tag); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, v)
	}

	switch v := value.(type) {
	case bool:
		var b uint8
		if v {
			b = 1
		}
		return tagged('t', b)
	case int8:
		return tagged('b', v)
	case uint8:
		return tagged('B', v)
	case int16:
		return tagged('s', v)
	case uint16:
		return tagged('u', v)
	case int32:
		return tagged('I', v)
	case uint32:
		return tagged('i', v)
	case int64:
		return tagged('l', v)
	case int:
		return tagged('l', int64(v))
	case float32:
		return tagged('f', v)
	case float64:
		return tagged('d', v)
	case time.Time:
		return tagged('T', v.Unix())
	case string:
		if _, err := w.Write([]byte{'S'}); err != nil {
			return err
		}
		return WriteLongString(w, []byte(v))
	case []byte:
		if _, err := w.Write([]byte{'S'}); err != nil {
			return err
		}
		return WriteLongString(w, v)
	case Table:
		if _, err := w.Write([]byte{'F'}); err != nil {
			return err
		}
		return WriteTable(w, v)
	case map[string]any:
		if _, err := w.Write([]byte{'F'}); err != nil {
			return err
		}
		return WriteTable(w, Table(v))
	case []any:
		if _, err := w.Write([]byte{'A'}); err != nil {
			return err
		}
		return writeArray(w, v)
	case nil:
		_, err := w.Write([]byte{'V'})
		return err
	default:
		return fmt.Errorf("unsupported field value type: %T", value)
	}
}

func readArray(r io.Reader) ([]any, error) {
	data, err := ReadLongString(r)
	if err != nil {
		return nil, err
	}

	values := []any{}
	buf := bytes.NewReader(data)
	for buf.Len() > 0 {
		value, err := readFieldValue(buf)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}

func writeArray(w io.Writer, values []any) error {
	var buf bytes.Buffer
	for _, value := range values {
		if err := writeFieldValue(&buf, value); err != nil {
			return err
		}
	}
	return WriteLongString(w, buf.Bytes())
}
