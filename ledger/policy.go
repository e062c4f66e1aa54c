package ledger

import (
	"context"
	"errors"
	"fmt"

	"xdao.co/sealgate/evidence"
	"xdao.co/sealgate/identity"
	"xdao.co/sealgate/ids"
	"xdao.co/sealgate/sealerr"
)

// Policy executes the policy module of one deployed package.
type Policy struct {
	Package ids.ObjectID
	Reader  Reader
	Clock   Clock
}

// call is the decoded context shared by every entry point.
type call struct {
	sender ids.Address
	id     identity.ContentIdentity
	refs   []ids.ObjectID
}

type entryPoint func(ctx context.Context, p *Policy, c call) error

var entryPoints = map[string]entryPoint{
	evidence.FnApproveOwner:        approveOwner,
	evidence.FnApproveSubscription: approveSubscription,
	evidence.FnApproveContentOwner: approveContentOwner,
	evidence.FnApproveContributor:  approveContributor,
	evidence.FnApproveAllowlist:    approveAllowlist,
}

func deny(format string, args ...any) error {
	return sealerr.New(sealerr.CodePolicyDenied, fmt.Sprintf(format, args...))
}

// Execute dry-runs tx. It returns nil when the single policy call approves
// access to the identity it names, and a PolicyDenied error otherwise.
// Ledger read failures other than missing objects are returned as-is.
func (p *Policy) Execute(ctx context.Context, tx evidence.Transaction) error {
	if tx.Package != p.Package {
		return deny("package %s is not the policy package", tx.Package)
	}
	if len(tx.Calls) != 1 {
		return deny("expected exactly one call, got %d", len(tx.Calls))
	}
	cl := tx.Calls[0]
	if cl.Module != evidence.PolicyModule {
		return deny("module %q is not the policy module", cl.Module)
	}
	fn, ok := entryPoints[cl.Function]
	if !ok {
		return deny("unknown entry point %q", cl.Function)
	}
	sig := evidence.Signatures[cl.Function]
	if len(cl.Args) != len(sig) {
		return deny("%s: expected %d arguments, got %d", cl.Function, len(sig), len(cl.Args))
	}
	for i, k := range sig {
		if cl.Args[i].Kind != k {
			return deny("%s: argument %d must be %s", cl.Function, i, k)
		}
	}

	raw, err := evidence.DecodeIdentityArg(cl.Args[0])
	if err != nil {
		return deny("%s: %v", cl.Function, err)
	}
	id, err := identity.Decode(raw)
	if err != nil {
		return deny("%s: identity: %v", cl.Function, err)
	}

	c := call{sender: tx.Sender, id: id}
	for _, a := range cl.Args[1:] {
		c.refs = append(c.refs, a.Object)
	}
	return fn(ctx, p, c)
}

// IdentityOf returns the content identity named by a single-call policy
// transaction.
func IdentityOf(tx evidence.Transaction) (identity.ContentIdentity, error) {
	if len(tx.Calls) != 1 || len(tx.Calls[0].Args) == 0 {
		return identity.ContentIdentity{}, sealerr.New(sealerr.CodeMalformedCredential, "evidence: not a single policy call")
	}
	raw, err := evidence.DecodeIdentityArg(tx.Calls[0].Args[0])
	if err != nil {
		return identity.ContentIdentity{}, err
	}
	id, err := identity.Decode(raw)
	if err != nil {
		return identity.ContentIdentity{}, sealerr.Wrap(sealerr.CodeMalformedCredential, "evidence: identity", err)
	}
	return id, nil
}

// load fetches id and type-asserts it. Missing objects and type mismatches
// are denials.
func load[T Object](ctx context.Context, p *Policy, id ids.ObjectID) (T, Owner, error) {
	var zero T
	rec, err := p.Reader.Object(ctx, id)
	if errors.Is(err, ErrObjectNotFound) {
		return zero, Owner{}, deny("object %s does not exist", id)
	}
	if err != nil {
		return zero, Owner{}, err
	}
	obj, ok := rec.Object.(T)
	if !ok {
		return zero, Owner{}, deny("object %s is a %s, not a %s", id, rec.Object.TypeName(), zero.TypeName())
	}
	return obj, rec.Owner, nil
}

func (p *Policy) clock() Clock {
	if p.Clock == nil {
		return SystemClock()
	}
	return p.Clock
}

// approve_owner(id, cap: &OwnerCap, pub: &Publication)
func approveOwner(ctx context.Context, p *Policy, c call) error {
	ownerCap, owner, err := load[*OwnerCap](ctx, p, c.refs[0])
	if err != nil {
		return err
	}
	pub, _, err := load[*Publication](ctx, p, c.refs[1])
	if err != nil {
		return err
	}
	switch {
	case !owner.OwnedBy(c.sender):
		return deny("capability not owned by sender")
	case ownerCap.PublicationID != pub.ID:
		return deny("capability is for another publication")
	case c.id.PublicationID() != pub.ID:
		return deny("identity belongs to another publication")
	}
	return nil
}

// approve_subscription(id, pass: &SubscriptionPass, service: &Service)
func approveSubscription(ctx context.Context, p *Policy, c call) error {
	pass, owner, err := load[*SubscriptionPass](ctx, p, c.refs[0])
	if err != nil {
		return err
	}
	svc, _, err := load[*Service](ctx, p, c.refs[1])
	if err != nil {
		return err
	}
	switch {
	case !owner.OwnedBy(c.sender):
		return deny("subscription not owned by sender")
	case pass.ServiceID != svc.ID:
		return deny("subscription is for another service")
	case c.id.PublicationID() != svc.PublicationID:
		return deny("identity belongs to another publication")
	case !p.clock().Now().Before(pass.CreatedAt.Add(svc.TTL)):
		return deny("subscription expired")
	}
	return nil
}

// approve_content_owner(id, nft: &ContentNFT, content: &Content)
func approveContentOwner(ctx context.Context, p *Policy, c call) error {
	nft, owner, err := load[*ContentNFT](ctx, p, c.refs[0])
	if err != nil {
		return err
	}
	content, _, err := load[*Content](ctx, p, c.refs[1])
	if err != nil {
		return err
	}
	switch {
	case !owner.OwnedBy(c.sender):
		return deny("nft not owned by sender")
	case nft.ContentID != content.ID:
		return deny("nft is for other content")
	case c.id.PublicationID() != content.PublicationID || c.id.Label() != content.Label:
		return deny("identity does not name this content")
	}
	return nil
}

// approve_contributor(id, pub: &Publication, policy: &ContributorPolicy)
func approveContributor(ctx context.Context, p *Policy, c call) error {
	pub, _, err := load[*Publication](ctx, p, c.refs[0])
	if err != nil {
		return err
	}
	pol, _, err := load[*ContributorPolicy](ctx, p, c.refs[1])
	if err != nil {
		return err
	}
	switch {
	case pol.PublicationID != pub.ID:
		return deny("policy is for another publication")
	case c.id.PublicationID() != pub.ID:
		return deny("identity belongs to another publication")
	case !contains(pub.Contributors, c.sender):
		return deny("sender is not a contributor")
	}
	return nil
}

// approve_allowlist(id, policy: &AllowlistPolicy)
func approveAllowlist(ctx context.Context, p *Policy, c call) error {
	pol, _, err := load[*AllowlistPolicy](ctx, p, c.refs[0])
	if err != nil {
		return err
	}
	switch {
	case c.id.PublicationID() != pol.PublicationID:
		return deny("identity belongs to another publication")
	case !contains(pol.Members, c.sender):
		return deny("sender is not on the allowlist")
	}
	return nil
}
