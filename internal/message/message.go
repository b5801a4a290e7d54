// Package message implements the signed price message wire format: ABI
// encoding of (uint64 timestamp, (string key, uint64 value)[] pairs), signed
// over the eth_sign digest of its keccak256 hash.
package message

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// RotateTag is the only tag accepted in a reporter invalidation message.
const RotateTag = "rotate"

var (
	// ErrMalformedMessage indicates the payload does not match the expected ABI shape.
	ErrMalformedMessage = errors.New("message: malformed payload")
)

var (
	pricesArgs abi.Arguments
	rotateArgs abi.Arguments
)

func init() {
	uint64Ty, err := abi.NewType("uint64", "", nil)
	if err != nil {
		panic("failed to build uint64 abi type: " + err.Error())
	}
	pairsTy, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "key", Type: "string"},
		{Name: "value", Type: "uint64"},
	})
	if err != nil {
		panic("failed to build pairs abi type: " + err.Error())
	}
	stringTy, err := abi.NewType("string", "", nil)
	if err != nil {
		panic("failed to build string abi type: " + err.Error())
	}
	addressTy, err := abi.NewType("address", "", nil)
	if err != nil {
		panic("failed to build address abi type: " + err.Error())
	}

	pricesArgs = abi.Arguments{{Name: "timestamp", Type: uint64Ty}, {Name: "pairs", Type: pairsTy}}
	rotateArgs = abi.Arguments{{Name: "tag", Type: stringTy}, {Name: "newReporter", Type: addressTy}}
}

// Pair is a single (symbol, raw price) entry.
type Pair struct {
	Key   string
	Value uint64
}

// Message is a decoded price message.
type Message struct {
	Timestamp uint64
	Pairs     []Pair
}

// Signed couples a decoded message with the identity recovered from its signature.
type Signed struct {
	Message
	Source common.Address
}

// Rotate is a decoded reporter invalidation message.
type Rotate struct {
	Tag         string
	NewReporter common.Address
}

// Encode produces the wire bytes for a price message.
func Encode(timestamp uint64, pairs []Pair) ([]byte, error) {
	if pairs == nil {
		pairs = []Pair{}
	}
	out, err := pricesArgs.Pack(timestamp, pairs)
	if err != nil {
		return nil, fmt.Errorf("encode prices: %w", err)
	}
	return out, nil
}

// Decode parses a price message. Any shape mismatch yields ErrMalformedMessage.
func Decode(data []byte) (msg Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg = Message{}
			err = fmt.Errorf("%w: %v", ErrMalformedMessage, r)
		}
	}()

	values, err := pricesArgs.Unpack(data)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(values) != 2 {
		return Message{}, fmt.Errorf("%w: expected 2 values, got %d", ErrMalformedMessage, len(values))
	}

	timestamp, ok := values[0].(uint64)
	if !ok {
		return Message{}, fmt.Errorf("%w: timestamp is %T", ErrMalformedMessage, values[0])
	}
	pairs := *abi.ConvertType(values[1], new([]Pair)).(*[]Pair)

	return Message{Timestamp: timestamp, Pairs: pairs}, nil
}

// EncodeRotate produces the wire bytes for a reporter invalidation message.
func EncodeRotate(tag string, newReporter common.Address) ([]byte, error) {
	out, err := rotateArgs.Pack(tag, newReporter)
	if err != nil {
		return nil, fmt.Errorf("encode rotate: %w", err)
	}
	return out, nil
}

// DecodeRotate parses a reporter invalidation message.
func DecodeRotate(data []byte) (rot Rotate, err error) {
	defer func() {
		if r := recover(); r != nil {
			rot = Rotate{}
			err = fmt.Errorf("%w: %v", ErrMalformedMessage, r)
		}
	}()

	values, err := rotateArgs.Unpack(data)
	if err != nil {
		return Rotate{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	tag, ok := values[0].(string)
	if !ok {
		return Rotate{}, fmt.Errorf("%w: tag is %T", ErrMalformedMessage, values[0])
	}
	addr, ok := values[1].(common.Address)
	if !ok {
		return Rotate{}, fmt.Errorf("%w: reporter is %T", ErrMalformedMessage, values[1])
	}
	return Rotate{Tag: tag, NewReporter: addr}, nil
}

// Digest is the hash the reporter signs: the eth_sign hash of keccak256(message).
func Digest(message []byte) []byte {
	return accounts.TextHash(crypto.Keccak256(message))
}

// Source recovers the signer of message. An unparseable or invalid signature
// recovers to the zero address rather than an error.
func Source(message, signature []byte) common.Address {
	sig, ok := compactSignature(signature)
	if !ok {
		return common.Address{}
	}
	pub, err := crypto.SigToPub(Digest(message), sig)
	if err != nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(*pub)
}

// Verify decodes message and recovers its signer.
func Verify(data, signature []byte) (Signed, error) {
	msg, err := Decode(data)
	if err != nil {
		return Signed{}, err
	}
	return Signed{Message: msg, Source: Source(data, signature)}, nil
}

// Sign signs message with key, returning abi.encode(bytes32 r, bytes32 s, uint8 v).
func Sign(message []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(Digest(message), key)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	out := make([]byte, 96)
	copy(out[0:32], sig[0:32])
	copy(out[32:64], sig[32:64])
	out[95] = sig[64] + 27
	return out, nil
}

// compactSignature converts either accepted signature layout into the
// 65-byte [R || S || V] form with V in {0, 1}.
func compactSignature(signature []byte) ([]byte, bool) {
	var r, s []byte
	var v byte
	switch len(signature) {
	case 96:
		for _, b := range signature[64:95] {
			if b != 0 {
				return nil, false
			}
		}
		r, s, v = signature[0:32], signature[32:64], signature[95]
	case 65:
		r, s, v = signature[0:32], signature[32:64], signature[64]
	default:
		return nil, false
	}

	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return nil, false
	}
	if !crypto.ValidateSignatureValues(v, new(big.Int).SetBytes(r), new(big.Int).SetBytes(s), false) {
		return nil, false
	}

	out := make([]byte, 65)
	copy(out[0:32], r)
	copy(out[32:64], s)
	out[64] = v
	return out, true
}
