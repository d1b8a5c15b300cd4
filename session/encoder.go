package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const recordVersion1 = 1

var errCorruptRecord = errors.New("corrupt session record")

// Encode serializes the persisted fields of a session (everything except
// the token, which is the key).
func Encode(s *Session) ([]byte, error) {
	if len(s.UserID) > 65535 || len(s.Email) > 65535 {
		return nil, errors.New("session field length exceeded")
	}

	var buf bytes.Buffer
	buf.WriteByte(recordVersion1)
	buf.WriteByte(s.Role)

	if err := binary.Write(&buf, binary.BigEndian, s.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, s.ExpiresAt); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.BigEndian, uint16(len(s.UserID))); err != nil {
		return nil, err
	}
	buf.WriteString(s.UserID)
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(s.Email))); err != nil {
		return nil, err
	}
	buf.WriteString(s.Email)

	return buf.Bytes(), nil
}

// Decode parses a stored record. The token is supplied by the caller since
// it is not part of the blob.
func Decode(token string, data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, errCorruptRecord
	}
	if version != recordVersion1 {
		return nil, errCorruptRecord
	}

	role, err := reader.ReadByte()
	if err != nil {
		return nil, errCorruptRecord
	}

	s := &Session{Token: token, Role: role}
	if err := binary.Read(reader, binary.BigEndian, &s.CreatedAt); err != nil {
		return nil, errCorruptRecord
	}
	if err := binary.Read(reader, binary.BigEndian, &s.ExpiresAt); err != nil {
		return nil, errCorruptRecord
	}

	s.UserID, err = readString(reader)
	if err != nil {
		return nil, errCorruptRecord
	}
	s.Email, err = readString(reader)
	if err != nil {
		return nil, errCorruptRecord
	}

	return s, nil
}

func readString(reader *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return "", err
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}
