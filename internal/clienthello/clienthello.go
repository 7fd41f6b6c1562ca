// Package clienthello extracts the Server Name Indication from the first TLS
// record a client sends.  It never terminates or decrypts the TLS session, it
// only walks the ClientHello structure described in RFC 5246 and RFC 6066.
package clienthello

import (
	"bytes"
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/crypto/cryptobyte"
)

const (
	// contentTypeHandshake is the TLS record content type of handshake
	// messages.
	contentTypeHandshake uint8 = 22

	// handshakeTypeClientHello is the handshake message type of ClientHello.
	handshakeTypeClientHello uint8 = 1

	// extServerName is the type of the server_name extension.
	extServerName uint16 = 0

	// nameTypeHostName is the only server name type defined by RFC 6066.
	nameTypeHostName uint8 = 0

	// fixedPrefixLen is the length of legacy_version and random.
	fixedPrefixLen = 2 + 32

	// serverNameOverhead is the length of the server_name_list length, the
	// name type and the host name length fields.
	serverNameOverhead = 2 + 1 + 2
)

// Parse errors.  Every error returned by [Parse] is a [*ParseError] that
// unwraps to exactly one of these.
const (
	// ErrTruncatedInput means that a field would be read past the end of the
	// buffer or that a declared length doesn't match the remaining data.
	ErrTruncatedInput errors.Error = "truncated input"

	// ErrUnexpectedContentType means that the record is not a handshake
	// record.
	ErrUnexpectedContentType errors.Error = "unexpected record content type"

	// ErrUnexpectedHandshakeType means that the handshake message is not a
	// ClientHello.
	ErrUnexpectedHandshakeType errors.Error = "unexpected handshake type"

	// ErrMalformedServerNameExtension means that the server_name extension
	// doesn't contain a single host name.
	ErrMalformedServerNameExtension errors.Error = "malformed server name extension"

	// ErrNoServerName means that the ClientHello is well-formed but carries
	// no server_name extension.
	ErrNoServerName errors.Error = "no server name indication"
)

// ParseError describes where and why parsing failed.
type ParseError struct {
	// Kind is one of the Err* constants of this package.
	Kind error

	// Offset is the position in the input buffer at which the failing field
	// starts.
	Offset int
}

// type check
var _ error = (*ParseError)(nil)

// Error implements the error interface for *ParseError.
func (e *ParseError) Error() (msg string) {
	return fmt.Sprintf("clienthello: at offset %d: %s", e.Offset, e.Kind)
}

// Unwrap returns the kind of the error so that [errors.Is] works with the
// package constants.
func (e *ParseError) Unwrap() (err error) {
	return e.Kind
}

// IsNoServerName returns true if err means that the input is a valid
// ClientHello without SNI, as opposed to input that is not valid TLS at all.
func IsNoServerName(err error) (ok bool) {
	return errors.Is(err, ErrNoServerName)
}

// Parse returns the host name advertised in the server_name extension of the
// ClientHello contained in buf.  buf must hold exactly one TLS record.  The
// returned slice is a copy and doesn't alias buf.  The host name is returned
// as is, it is not validated as a domain name or as UTF-8.
//
// Parse is safe for concurrent use.
func Parse(buf []byte) (host []byte, err error) {
	p := &parser{buf: buf, s: cryptobyte.String(buf)}

	var contentType uint8
	if !p.s.ReadUint8(&contentType) {
		return nil, p.fail(ErrTruncatedInput)
	}

	var recordLen uint16
	if !p.s.Skip(2) || !p.s.ReadUint16(&recordLen) {
		return nil, p.fail(ErrTruncatedInput)
	}

	if contentType != contentTypeHandshake {
		return nil, &ParseError{Kind: ErrUnexpectedContentType, Offset: 0}
	} else if int(recordLen) != len(p.s) {
		return nil, p.fail(ErrTruncatedInput)
	}

	var hsType uint8
	if !p.s.ReadUint8(&hsType) {
		return nil, p.fail(ErrTruncatedInput)
	} else if hsType != handshakeTypeClientHello {
		return nil, &ParseError{Kind: ErrUnexpectedHandshakeType, Offset: p.off() - 1}
	}

	var hsLen uint32
	if !p.s.ReadUint24(&hsLen) || int(hsLen) != len(p.s) {
		return nil, p.fail(ErrTruncatedInput)
	}

	err = p.skipClientHelloPrefix()
	if err != nil {
		return nil, err
	}

	var extsLen uint16
	if !p.s.ReadUint16(&extsLen) || int(extsLen) != len(p.s) {
		return nil, p.fail(ErrTruncatedInput)
	}

	return p.findServerName()
}

// ServerName is like [Parse] but returns the host name as a string.
func ServerName(buf []byte) (host string, err error) {
	b, err := Parse(buf)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// parser holds the state of a single [Parse] call.  s is always a suffix of
// buf, which is what makes off work.
type parser struct {
	buf []byte
	s   cryptobyte.String
}

// off returns the position of the cursor in the input buffer.
func (p *parser) off() (n int) {
	return len(p.buf) - len(p.s)
}

// fail returns a *ParseError of the given kind at the current position.
func (p *parser) fail(kind error) (err *ParseError) {
	return &ParseError{Kind: kind, Offset: p.off()}
}

// skipClientHelloPrefix skips legacy_version, random, legacy_session_id,
// cipher_suites, and legacy_compression_methods.
func (p *parser) skipClientHelloPrefix() (err error) {
	if !p.s.Skip(fixedPrefixLen) {
		return p.fail(ErrTruncatedInput)
	}

	var sessionIDLen uint8
	if !p.s.ReadUint8(&sessionIDLen) || !p.s.Skip(int(sessionIDLen)) {
		return p.fail(ErrTruncatedInput)
	}

	var cipherSuitesLen uint16
	if !p.s.ReadUint16(&cipherSuitesLen) || !p.s.Skip(int(cipherSuitesLen)) {
		return p.fail(ErrTruncatedInput)
	}

	var compressionLen uint8
	if !p.s.ReadUint8(&compressionLen) || !p.s.Skip(int(compressionLen)) {
		return p.fail(ErrTruncatedInput)
	}

	return nil
}

// findServerName walks the extensions block and returns the host name from
// the first server_name extension.
func (p *parser) findServerName() (host []byte, err error) {
	for !p.s.Empty() {
		var extType, dataLen uint16
		if !p.s.ReadUint16(&extType) || !p.s.ReadUint16(&dataLen) {
			return nil, p.fail(ErrTruncatedInput)
		}

		if extType == extServerName {
			return p.readServerName(int(dataLen))
		}

		if !p.s.Skip(int(dataLen)) {
			// The extension runs past the end of the block, so the scan
			// is over without a server name.
			return nil, p.fail(ErrNoServerName)
		}
	}

	return nil, p.fail(ErrNoServerName)
}

// readServerName reads the payload of a server_name extension with the given
// data length.  The server_name_list length is not checked, only the total
// extension length is.
func (p *parser) readServerName(dataLen int) (host []byte, err error) {
	start := p.off()

	var nameType uint8
	if !p.s.Skip(2) || !p.s.ReadUint8(&nameType) {
		return nil, p.fail(ErrTruncatedInput)
	} else if nameType != nameTypeHostName {
		return nil, &ParseError{Kind: ErrMalformedServerNameExtension, Offset: start}
	}

	var hostLen uint16
	if !p.s.ReadUint16(&hostLen) {
		return nil, p.fail(ErrTruncatedInput)
	} else if dataLen != int(hostLen)+serverNameOverhead {
		return nil, &ParseError{Kind: ErrMalformedServerNameExtension, Offset: start}
	}

	var b []byte
	if !p.s.ReadBytes(&b, int(hostLen)) {
		return nil, p.fail(ErrTruncatedInput)
	}

	return bytes.Clone(b), nil
}
