package types

import (
	"encoding/json"
	"fmt"
)

const (
	CommandGetDataStruct = "get_data_struct"
	CommandGetKeyInfo    = "get_key_info"
	CommandSign          = "sign"

	ErrorKindCard   = "card"
	ErrorKindReader = "reader"

	ErrorWrongPassword     = "ERROR_CODE_WRONG_PWD"
	ErrorKeyNotInitialized = "ERROR_CODE_KEY_NOT_INITIALIZED"
	ErrorInvalidKeyNo      = "ERROR_CODE_INVALID_KEY_NO"
	ErrorInvalidDigest     = "ERROR_CODE_INVALID_LENGTH"
	ErrorUnknownCommand    = "ERROR_CODE_UNKNOWN_COMMAND"
	ErrorPasswordLocked    = "ERROR_CODE_PWD_ATTEMPTS_EXCEEDED"
	ErrorCardAbsent        = "NFCAbortedError"
	ErrorReaderUnavailable = "ReaderUnavailableError"
)

// Command is a named card command as accepted by every transport.
type Command struct {
	Name     string `json:"name" cbor:"name"`
	Spec     string `json:"spec,omitempty" cbor:"spec,omitempty"`
	KeyNo    int    `json:"keyNo,omitempty" cbor:"keyNo,omitempty"`
	Digest   string `json:"digest,omitempty" cbor:"digest,omitempty"`
	Password string `json:"password,omitempty" cbor:"password,omitempty"`
}

// Response carries either the command result or the error reported by the card or reader.
type Response struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *CommandError   `json:"error,omitempty"`
}

// CommandError is an error reported by the card (Kind "card") or the reader/relay (Kind "reader").
type CommandError struct {
	Kind    string `json:"kind" cbor:"kind"`
	Name    string `json:"name" cbor:"name"`
	Message string `json:"message" cbor:"message"`
}

func (e *CommandError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// DataStructResponse is the result of get_data_struct. Fields the card could not
// provide are null.
type DataStructResponse struct {
	IsPartial bool               `json:"isPartial"`
	Data      map[string]*string `json:"data"`
}

func (r *DataStructResponse) Value(field string) (string, bool) {
	v, ok := r.Data[field]
	if !ok || v == nil || *v == "" {
		return "", false
	}
	return *v, true
}

type KeyInfoResponse struct {
	PublicKey     string `json:"publicKey"`
	RootPublicKey string `json:"rootPublicKey,omitempty"`
	AttestSig     string `json:"attestSig,omitempty"`
}

type RawSignature struct {
	R string `json:"r"`
	S string `json:"s"`
	V *int   `json:"v,omitempty"`
}

type SignResponse struct {
	Signature struct {
		Raw *RawSignature `json:"raw,omitempty"`
		Der string        `json:"der,omitempty"`
	} `json:"signature"`
	PublicKey string `json:"publicKey,omitempty"`
}

// FieldName builds a get_data_struct field address such as "compressedPublicKey:9".
func FieldName(field string, n int) string {
	return fmt.Sprintf("%s:%d", field, n)
}
