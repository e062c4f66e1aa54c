package credential

import (
	"encoding/json"

	"xdao.co/sealgate/sealerr"
)

// Marshal renders c as {"kind": "...", <refs>}.
func Marshal(c Credential) ([]byte, error) {
	if err := Check(c); err != nil {
		return nil, err
	}
	body, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(c.Kind().String())
	fields["kind"] = kind
	return json.Marshal(fields)
}

// Unmarshal parses the form produced by Marshal. Unknown kinds yield
// UnsupportedCredential; bad or missing refs yield MalformedCredential.
func Unmarshal(b []byte) (Credential, error) {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, sealerr.Wrap(sealerr.CodeMalformedCredential, "credential json", err)
	}
	kind, ok := ParseKind(head.Kind)
	if !ok {
		return nil, sealerr.New(sealerr.CodeUnsupportedCredential, "unknown credential kind "+head.Kind)
	}

	var c Credential
	var err error
	switch kind {
	case KindOwnerCapability:
		c, err = decode[OwnerCapability](b)
	case KindSubscription:
		c, err = decode[Subscription](b)
	case KindContentOwnership:
		c, err = decode[ContentOwnership](b)
	case KindContributor:
		c, err = decode[Contributor](b)
	case KindAllowlist:
		c, err = decode[Allowlist](b)
	}
	if err != nil {
		return nil, sealerr.Wrap(sealerr.CodeMalformedCredential, kind.String(), err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func decode[T Credential](b []byte) (Credential, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// List is a JSON array of credentials.
type List []Credential

func (l List) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(l))
	for _, c := range l {
		b, err := Marshal(c)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return json.Marshal(out)
}

func (l *List) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(List, 0, len(raw))
	for _, r := range raw {
		c, err := Unmarshal(r)
		if err != nil {
			return err
		}
		out = append(out, c)
	}
	*l = out
	return nil
}
