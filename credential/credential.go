// Package credential defines the closed set of credential kinds a reader can
// present to unlock content.
//
// Credential is a sum type: every variant is a struct in this package and the
// interface carries an unexported method, so a switch over the variants is
// exhaustive and a new kind cannot appear without touching this package and
// the evidence builder.
package credential

import (
	"sort"

	"xdao.co/sealgate/ids"
	"xdao.co/sealgate/sealerr"
)

type Kind uint8

const (
	KindOwnerCapability Kind = iota + 1
	KindSubscription
	KindContentOwnership
	KindContributor
	KindAllowlist
)

var kindNames = map[Kind]string{
	KindOwnerCapability:  "owner_capability",
	KindSubscription:     "subscription",
	KindContentOwnership: "content_ownership",
	KindContributor:      "contributor",
	KindAllowlist:        "allowlist",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseKind maps a kind name back to its Kind.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// Priority orders kinds for resolution; lower is tried first. Unknown kinds
// sort last. The order reflects how direct the proof is, not how strong:
// every kind grants the same access once verified.
func (k Kind) Priority() int {
	if _, ok := kindNames[k]; !ok {
		return int(^uint8(0))
	}
	return int(k)
}

// Credential is one claimed path to access.
type Credential interface {
	Kind() Kind
	// Validate checks that every object reference the kind needs is present.
	Validate() error
	isCredential()
}

// OwnerCapability claims administrative ownership of a publication through
// its capability object.
type OwnerCapability struct {
	Capability  ids.ObjectID `json:"capability"`
	Publication ids.ObjectID `json:"publication"`
}

// Subscription claims a live subscription pass for a publication's service.
type Subscription struct {
	Pass    ids.ObjectID `json:"pass"`
	Service ids.ObjectID `json:"service"`
}

// ContentOwnership claims ownership of the NFT minted for one content item.
type ContentOwnership struct {
	NFT     ids.ObjectID `json:"nft"`
	Content ids.ObjectID `json:"content"`
}

// Contributor claims membership in a publication's contributor list.
type Contributor struct {
	Publication ids.ObjectID `json:"publication"`
	Policy      ids.ObjectID `json:"policy"`
}

// Allowlist claims membership in an explicit allowlist policy.
type Allowlist struct {
	Policy ids.ObjectID `json:"policy"`
}

func (OwnerCapability) Kind() Kind  { return KindOwnerCapability }
func (Subscription) Kind() Kind     { return KindSubscription }
func (ContentOwnership) Kind() Kind { return KindContentOwnership }
func (Contributor) Kind() Kind      { return KindContributor }
func (Allowlist) Kind() Kind        { return KindAllowlist }

func (OwnerCapability) isCredential()  {}
func (Subscription) isCredential()     {}
func (ContentOwnership) isCredential() {}
func (Contributor) isCredential()      {}
func (Allowlist) isCredential()        {}

func missing(k Kind, field string) error {
	return sealerr.New(sealerr.CodeMalformedCredential, k.String()+": missing "+field)
}

func (c OwnerCapability) Validate() error {
	switch {
	case c.Capability.IsZero():
		return missing(c.Kind(), "capability")
	case c.Publication.IsZero():
		return missing(c.Kind(), "publication")
	}
	return nil
}

func (c Subscription) Validate() error {
	switch {
	case c.Pass.IsZero():
		return missing(c.Kind(), "pass")
	case c.Service.IsZero():
		return missing(c.Kind(), "service")
	}
	return nil
}

func (c ContentOwnership) Validate() error {
	switch {
	case c.NFT.IsZero():
		return missing(c.Kind(), "nft")
	case c.Content.IsZero():
		return missing(c.Kind(), "content")
	}
	return nil
}

func (c Contributor) Validate() error {
	switch {
	case c.Publication.IsZero():
		return missing(c.Kind(), "publication")
	case c.Policy.IsZero():
		return missing(c.Kind(), "policy")
	}
	return nil
}

func (c Allowlist) Validate() error {
	if c.Policy.IsZero() {
		return missing(c.Kind(), "policy")
	}
	return nil
}

// Check validates c, treating nil as unsupported.
func Check(c Credential) error {
	if c == nil {
		return sealerr.New(sealerr.CodeUnsupportedCredential, "nil credential")
	}
	if _, ok := kindNames[c.Kind()]; !ok {
		return sealerr.New(sealerr.CodeUnsupportedCredential, "unknown credential kind")
	}
	return c.Validate()
}

// ByPriority returns a copy of creds stably sorted by kind priority, so
// callers' order is kept among credentials of the same kind.
func ByPriority(creds []Credential) []Credential {
	out := append([]Credential(nil), creds...)
	sort.SliceStable(out, func(i, j int) bool {
		return priority(out[i]) < priority(out[j])
	})
	return out
}

func priority(c Credential) int {
	if c == nil {
		return int(^uint8(0)) + 1
	}
	return c.Kind().Priority()
}
