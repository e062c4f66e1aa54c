package evidence

import (
	"xdao.co/sealgate/credential"
	"xdao.co/sealgate/identity"
	"xdao.co/sealgate/ids"
	"xdao.co/sealgate/internal/wire"
	"xdao.co/sealgate/sealerr"
)

// PolicyModule is the on-ledger module holding every policy check.
const PolicyModule = "policy"

// Policy-check entry points, one per credential kind.
const (
	FnApproveOwner        = "approve_owner"
	FnApproveSubscription = "approve_subscription"
	FnApproveContentOwner = "approve_content_owner"
	FnApproveContributor  = "approve_contributor"
	FnApproveAllowlist    = "approve_allowlist"
)

// Signatures lists the argument shape each entry point accepts. The first
// argument is always the content identity as a length-prefixed byte vector.
var Signatures = map[string][]ArgKind{
	FnApproveOwner:        {ArgPure, ArgObject, ArgObject},
	FnApproveSubscription: {ArgPure, ArgObject, ArgObject},
	FnApproveContentOwner: {ArgPure, ArgObject, ArgObject},
	FnApproveContributor:  {ArgPure, ArgObject, ArgObject},
	FnApproveAllowlist:    {ArgPure, ArgObject},
}

// FunctionFor returns the entry point that checks kind.
func FunctionFor(kind credential.Kind) (string, bool) {
	switch kind {
	case credential.KindOwnerCapability:
		return FnApproveOwner, true
	case credential.KindSubscription:
		return FnApproveSubscription, true
	case credential.KindContentOwnership:
		return FnApproveContentOwner, true
	case credential.KindContributor:
		return FnApproveContributor, true
	case credential.KindAllowlist:
		return FnApproveAllowlist, true
	}
	return "", false
}

// IdentityArg encodes a content identity the way every entry point expects
// its first argument: uvarint length followed by the bytes.
func IdentityArg(id identity.ContentIdentity) Arg {
	var w wire.Writer
	w.Vector(id.Bytes())
	return Arg{Kind: ArgPure, Pure: w.Bytes()}
}

// DecodeIdentityArg reverses IdentityArg.
func DecodeIdentityArg(a Arg) ([]byte, error) {
	if a.Kind != ArgPure {
		return nil, sealerr.New(sealerr.CodeMalformedCredential, "evidence: identity argument is not pure")
	}
	r := wire.NewReader(a.Pure)
	b := r.Vector()
	if err := r.Done(); err != nil {
		return nil, sealerr.Wrap(sealerr.CodeMalformedCredential, "evidence: identity argument", err)
	}
	return b, nil
}

// Builder emits PolicyEvidence for one caller against one policy package.
type Builder struct {
	Sender  ids.Address
	Package ids.ObjectID
}

// Build returns the single-call transaction that the credential's own
// policy check accepts. Object references are copied from the credential
// verbatim; whether they establish the claim is for the ledger to decide.
func (b Builder) Build(c credential.Credential, id identity.ContentIdentity) (Transaction, error) {
	if err := credential.Check(c); err != nil {
		return Transaction{}, err
	}
	if id.IsZero() {
		return Transaction{}, sealerr.New(sealerr.CodeMalformedCredential, "evidence: empty identity")
	}
	if b.Package.IsZero() {
		return Transaction{}, sealerr.New(sealerr.CodeMalformedCredential, "evidence: policy package not configured")
	}

	fn, ok := FunctionFor(c.Kind())
	if !ok {
		return Transaction{}, sealerr.New(sealerr.CodeUnsupportedCredential, "evidence: no policy check for credential")
	}
	var refs []ids.ObjectID
	switch v := c.(type) {
	case credential.OwnerCapability:
		refs = []ids.ObjectID{v.Capability, v.Publication}
	case credential.Subscription:
		refs = []ids.ObjectID{v.Pass, v.Service}
	case credential.ContentOwnership:
		refs = []ids.ObjectID{v.NFT, v.Content}
	case credential.Contributor:
		refs = []ids.ObjectID{v.Publication, v.Policy}
	case credential.Allowlist:
		refs = []ids.ObjectID{v.Policy}
	default:
		return Transaction{}, sealerr.New(sealerr.CodeUnsupportedCredential, "evidence: no policy check for credential")
	}

	args := make([]Arg, 0, 1+len(refs))
	args = append(args, IdentityArg(id))
	for _, r := range refs {
		args = append(args, Object(r))
	}
	return Transaction{
		Sender:  b.Sender,
		Package: b.Package,
		Calls:   []Call{{Module: PolicyModule, Function: fn, Args: args}},
	}, nil
}
