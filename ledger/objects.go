// Package ledger models the ledger-resident objects that back credentials
// and the policy-check entry points that judge evidence against them.
//
// Nothing here is consensus code: Memory is a single-process ledger used by
// the key server, the CLI, and tests. The Reader interface is the only thing
// the policy checks need, so a node-backed reader can replace it.
package ledger

import (
	"context"
	"errors"
	"time"

	"xdao.co/sealgate/ids"
)

var ErrObjectNotFound = errors.New("ledger: object not found")

// Type names used in snapshots and error messages.
const (
	TypePublication       = "publication"
	TypeOwnerCap          = "owner_cap"
	TypeService           = "service"
	TypeSubscriptionPass  = "subscription_pass"
	TypeContent           = "content"
	TypeContentNFT        = "content_nft"
	TypeContributorPolicy = "contributor_policy"
	TypeAllowlistPolicy   = "allowlist_policy"
)

// Object is any ledger-resident value.
type Object interface {
	ObjectID() ids.ObjectID
	TypeName() string
}

// Publication is shared; Contributors may read everything it publishes.
type Publication struct {
	ID           ids.ObjectID  `json:"id"`
	Name         string        `json:"name,omitempty"`
	Contributors []ids.Address `json:"contributors,omitempty"`
}

// OwnerCap is the administrative capability for one publication.
type OwnerCap struct {
	ID            ids.ObjectID `json:"id"`
	PublicationID ids.ObjectID `json:"publication_id"`
}

// Service sells time-bounded subscriptions to a publication.
type Service struct {
	ID            ids.ObjectID  `json:"id"`
	PublicationID ids.ObjectID  `json:"publication_id"`
	TTL           time.Duration `json:"ttl"`
	Fee           uint64        `json:"fee,omitempty"`
}

// SubscriptionPass is valid until CreatedAt + Service.TTL.
type SubscriptionPass struct {
	ID        ids.ObjectID `json:"id"`
	ServiceID ids.ObjectID `json:"service_id"`
	CreatedAt time.Time    `json:"created_at"`
}

// Content registers one labelled item of a publication.
type Content struct {
	ID            ids.ObjectID `json:"id"`
	PublicationID ids.ObjectID `json:"publication_id"`
	Label         string       `json:"label"`
}

// ContentNFT grants its holder access to one Content.
type ContentNFT struct {
	ID        ids.ObjectID `json:"id"`
	ContentID ids.ObjectID `json:"content_id"`
}

// ContributorPolicy binds contributor-based access to a publication.
type ContributorPolicy struct {
	ID            ids.ObjectID `json:"id"`
	PublicationID ids.ObjectID `json:"publication_id"`
}

// AllowlistPolicy grants access to an explicit member list.
type AllowlistPolicy struct {
	ID            ids.ObjectID  `json:"id"`
	PublicationID ids.ObjectID  `json:"publication_id"`
	Members       []ids.Address `json:"members,omitempty"`
}

func (o *Publication) ObjectID() ids.ObjectID       { return o.ID }
func (o *OwnerCap) ObjectID() ids.ObjectID          { return o.ID }
func (o *Service) ObjectID() ids.ObjectID           { return o.ID }
func (o *SubscriptionPass) ObjectID() ids.ObjectID  { return o.ID }
func (o *Content) ObjectID() ids.ObjectID           { return o.ID }
func (o *ContentNFT) ObjectID() ids.ObjectID        { return o.ID }
func (o *ContributorPolicy) ObjectID() ids.ObjectID { return o.ID }
func (o *AllowlistPolicy) ObjectID() ids.ObjectID   { return o.ID }

func (*Publication) TypeName() string       { return TypePublication }
func (*OwnerCap) TypeName() string          { return TypeOwnerCap }
func (*Service) TypeName() string           { return TypeService }
func (*SubscriptionPass) TypeName() string  { return TypeSubscriptionPass }
func (*Content) TypeName() string           { return TypeContent }
func (*ContentNFT) TypeName() string        { return TypeContentNFT }
func (*ContributorPolicy) TypeName() string { return TypeContributorPolicy }
func (*AllowlistPolicy) TypeName() string   { return TypeAllowlistPolicy }

func newObject(typeName string) Object {
	switch typeName {
	case TypePublication:
		return &Publication{}
	case TypeOwnerCap:
		return &OwnerCap{}
	case TypeService:
		return &Service{}
	case TypeSubscriptionPass:
		return &SubscriptionPass{}
	case TypeContent:
		return &Content{}
	case TypeContentNFT:
		return &ContentNFT{}
	case TypeContributorPolicy:
		return &ContributorPolicy{}
	case TypeAllowlistPolicy:
		return &AllowlistPolicy{}
	}
	return nil
}

// Owner is either an account address or shared (readable by anyone, owned
// by no one).
type Owner struct {
	Address ids.Address `json:"address,omitempty"`
	Shared  bool        `json:"shared,omitempty"`
}

func SharedOwner() Owner                   { return Owner{Shared: true} }
func AddressOwner(a ids.Address) Owner     { return Owner{Address: a} }
func (o Owner) OwnedBy(a ids.Address) bool { return !o.Shared && o.Address == a }

// Record is an object plus its ownership.
type Record struct {
	Object  Object
	Owner   Owner
	Version uint64
}

// Reader resolves objects by id. Implementations return ErrObjectNotFound
// for unknown ids.
type Reader interface {
	Object(ctx context.Context, id ids.ObjectID) (Record, error)
}

// Clock supplies the ledger's notion of now.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock.
func SystemClock() Clock { return systemClock{} }

func contains(list []ids.Address, a ids.Address) bool {
	for _, m := range list {
		if m == a {
			return true
		}
	}
	return false
}
