// Package evidence builds and encodes PolicyEvidence: unsigned transactions
// that call exactly one on-ledger policy check.
package evidence

import (
	"fmt"

	"golang.org/x/crypto/sha3"

	"xdao.co/sealgate/ids"
	"xdao.co/sealgate/internal/wire"
	"xdao.co/sealgate/sealerr"
)

// Version1 tags the transaction encoding.
const Version1 byte = 0x01

// MaxCalls bounds the number of calls a decoded transaction may carry.
const MaxCalls = 16

type ArgKind uint8

const (
	// ArgPure is a raw, already-serialized value.
	ArgPure ArgKind = iota
	// ArgObject references a ledger object by id.
	ArgObject
)

func (k ArgKind) String() string {
	switch k {
	case ArgPure:
		return "pure"
	case ArgObject:
		return "object"
	}
	return fmt.Sprintf("ArgKind(%d)", uint8(k))
}

type Arg struct {
	Kind   ArgKind
	Pure   []byte
	Object ids.ObjectID
}

func Pure(b []byte) Arg          { return Arg{Kind: ArgPure, Pure: append([]byte(nil), b...)} }
func Object(id ids.ObjectID) Arg { return Arg{Kind: ArgObject, Object: id} }

type Call struct {
	Module   string
	Function string
	Args     []Arg
}

// Transaction is the unsigned evidence payload. Sender is the account whose
// ownership of the referenced objects is being checked.
type Transaction struct {
	Sender  ids.Address
	Package ids.ObjectID
	Calls   []Call
}

// Encode returns the canonical encoding:
//
//	version || sender(32) || package(32) || uvarint(#calls) || calls...
//	call = string(module) || string(function) || uvarint(#args) || args...
//	arg  = 0x00 || vector(bytes) | 0x01 || object(32)
func (tx Transaction) Encode() []byte {
	var w wire.Writer
	w.Byte(Version1)
	w.Raw(tx.Sender[:])
	w.Raw(tx.Package[:])
	w.Uvarint(uint64(len(tx.Calls)))
	for _, c := range tx.Calls {
		w.String(c.Module)
		w.String(c.Function)
		w.Uvarint(uint64(len(c.Args)))
		for _, a := range c.Args {
			w.Byte(byte(a.Kind))
			switch a.Kind {
			case ArgObject:
				w.Raw(a.Object[:])
			default:
				w.Vector(a.Pure)
			}
		}
	}
	return w.Bytes()
}

// Digest is SHA3-256 over the canonical encoding.
func (tx Transaction) Digest() [32]byte {
	return sha3.Sum256(tx.Encode())
}

// Decode is the exact inverse of Encode.
func Decode(b []byte) (Transaction, error) {
	var tx Transaction
	r := wire.NewReader(b)
	if v := r.Byte(); r.Err() == nil && v != Version1 {
		return tx, malformed(fmt.Errorf("unsupported version %#x", v))
	}
	copy(tx.Sender[:], r.Fixed(ids.Size))
	copy(tx.Package[:], r.Fixed(ids.Size))

	n := r.Uvarint()
	if n > MaxCalls {
		return tx, malformed(fmt.Errorf("%d calls exceeds limit", n))
	}
	for i := uint64(0); i < n && r.Err() == nil; i++ {
		c := Call{Module: r.String(), Function: r.String()}
		nargs := r.Uvarint()
		if nargs > 64 {
			return tx, malformed(fmt.Errorf("%d args exceeds limit", nargs))
		}
		for j := uint64(0); j < nargs && r.Err() == nil; j++ {
			switch k := ArgKind(r.Byte()); k {
			case ArgPure:
				c.Args = append(c.Args, Arg{Kind: ArgPure, Pure: r.Vector()})
			case ArgObject:
				var id ids.ObjectID
				copy(id[:], r.Fixed(ids.Size))
				c.Args = append(c.Args, Arg{Kind: ArgObject, Object: id})
			default:
				if r.Err() == nil {
					return tx, malformed(fmt.Errorf("unknown arg kind %d", k))
				}
			}
		}
		tx.Calls = append(tx.Calls, c)
	}
	if err := r.Done(); err != nil {
		return Transaction{}, malformed(err)
	}
	return tx, nil
}

func malformed(err error) error {
	return sealerr.Wrap(sealerr.CodeMalformedCredential, "evidence: decode", err)
}
