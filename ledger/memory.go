package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"xdao.co/sealgate/ids"
	"xdao.co/sealgate/sealerr"
)

// Memory is an in-process ledger. Mutators mirror the publication module's
// entry functions: administrative ones require the sender to own the
// publication's OwnerCap.
type Memory struct {
	mu      sync.RWMutex
	objects map[ids.ObjectID]Record
	seq     uint64
	pkg     ids.ObjectID
	clock   Clock
}

var _ Reader = (*Memory)(nil)

// NewMemory returns an empty ledger whose policy package is pkg (a derived
// id when zero). A nil clock uses the wall clock.
func NewMemory(pkg ids.ObjectID, clock Clock) *Memory {
	if clock == nil {
		clock = SystemClock()
	}
	m := &Memory{objects: map[ids.ObjectID]Record{}, clock: clock}
	if pkg.IsZero() {
		pkg = m.nextID("package")
	}
	m.pkg = pkg
	return m
}

// Package is the id of the deployed policy package.
func (m *Memory) Package() ids.ObjectID { return m.pkg }

// Policy returns a Policy that reads from m.
func (m *Memory) Policy() *Policy {
	return &Policy{Package: m.pkg, Reader: m, Clock: m.clock}
}

func (m *Memory) Object(ctx context.Context, id ids.ObjectID) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.objects[id]
	if !ok {
		return Record{}, ErrObjectNotFound
	}
	rec.Object = clone(rec.Object)
	return rec, nil
}

// Put inserts or replaces a record verbatim.
func (m *Memory) Put(obj Object, owner Owner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(obj, owner)
}

func (m *Memory) put(obj Object, owner Owner) {
	prev := m.objects[obj.ObjectID()]
	m.objects[obj.ObjectID()] = Record{Object: clone(obj), Owner: owner, Version: prev.Version + 1}
}

// nextID derives a fresh object id not already in use. Callers hold mu,
// except NewMemory.
func (m *Memory) nextID(tag string) ids.ObjectID {
	for {
		m.seq++
		h := sha3.New256()
		h.Write([]byte("sealgate/ledger/" + tag))
		h.Write(m.pkg[:])
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], m.seq)
		h.Write(n[:])
		var id ids.ObjectID
		copy(id[:], h.Sum(nil))
		if _, taken := m.objects[id]; !taken {
			return id
		}
	}
}

func get[T Object](m *Memory, id ids.ObjectID) (T, Owner, error) {
	var zero T
	rec, ok := m.objects[id]
	if !ok {
		return zero, Owner{}, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	obj, ok := rec.Object.(T)
	if !ok {
		return zero, Owner{}, fmt.Errorf("ledger: %s is a %s, not a %s", id, rec.Object.TypeName(), zero.TypeName())
	}
	return obj, rec.Owner, nil
}

// requireCap checks that sender owns capID and returns its publication.
func (m *Memory) requireCap(sender ids.Address, capID ids.ObjectID) (*Publication, error) {
	oc, owner, err := get[*OwnerCap](m, capID)
	if err != nil {
		return nil, err
	}
	if !owner.OwnedBy(sender) {
		return nil, sealerr.New(sealerr.CodePolicyDenied, "ledger: sender does not own the capability")
	}
	pub, _, err := get[*Publication](m, oc.PublicationID)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// CreatePublication creates a shared publication and hands its OwnerCap to
// sender.
func (m *Memory) CreatePublication(sender ids.Address, name string) (*Publication, *OwnerCap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub := &Publication{ID: m.nextID(TypePublication), Name: name}
	oc := &OwnerCap{ID: m.nextID(TypeOwnerCap), PublicationID: pub.ID}
	m.put(pub, SharedOwner())
	m.put(oc, AddressOwner(sender))
	return clone(pub).(*Publication), clone(oc).(*OwnerCap)
}

func (m *Memory) AddContributor(sender ids.Address, capID ids.ObjectID, member ids.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub, err := m.requireCap(sender, capID)
	if err != nil {
		return err
	}
	if contains(pub.Contributors, member) {
		return nil
	}
	pub.Contributors = append(pub.Contributors, member)
	m.put(pub, SharedOwner())
	return nil
}

func (m *Memory) RemoveContributor(sender ids.Address, capID ids.ObjectID, member ids.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub, err := m.requireCap(sender, capID)
	if err != nil {
		return err
	}
	pub.Contributors = without(pub.Contributors, member)
	m.put(pub, SharedOwner())
	return nil
}

func (m *Memory) CreateContributorPolicy(sender ids.Address, capID ids.ObjectID) (*ContributorPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub, err := m.requireCap(sender, capID)
	if err != nil {
		return nil, err
	}
	pol := &ContributorPolicy{ID: m.nextID(TypeContributorPolicy), PublicationID: pub.ID}
	m.put(pol, SharedOwner())
	return clone(pol).(*ContributorPolicy), nil
}

func (m *Memory) CreateService(sender ids.Address, capID ids.ObjectID, ttl time.Duration, fee uint64) (*Service, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("ledger: service ttl must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pub, err := m.requireCap(sender, capID)
	if err != nil {
		return nil, err
	}
	svc := &Service{ID: m.nextID(TypeService), PublicationID: pub.ID, TTL: ttl, Fee: fee}
	m.put(svc, SharedOwner())
	return clone(svc).(*Service), nil
}

// Subscribe mints a pass for serviceID owned by sender, starting now.
func (m *Memory) Subscribe(sender ids.Address, serviceID ids.ObjectID) (*SubscriptionPass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, _, err := get[*Service](m, serviceID); err != nil {
		return nil, err
	}
	pass := &SubscriptionPass{ID: m.nextID(TypeSubscriptionPass), ServiceID: serviceID, CreatedAt: m.clock.Now()}
	m.put(pass, AddressOwner(sender))
	return clone(pass).(*SubscriptionPass), nil
}

func (m *Memory) CreateContent(sender ids.Address, capID ids.ObjectID, label string) (*Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub, err := m.requireCap(sender, capID)
	if err != nil {
		return nil, err
	}
	c := &Content{ID: m.nextID(TypeContent), PublicationID: pub.ID, Label: label}
	m.put(c, SharedOwner())
	return clone(c).(*Content), nil
}

// MintContentNFT mints an NFT for contentID to recipient.
func (m *Memory) MintContentNFT(sender ids.Address, capID, contentID ids.ObjectID, recipient ids.Address) (*ContentNFT, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub, err := m.requireCap(sender, capID)
	if err != nil {
		return nil, err
	}
	content, _, err := get[*Content](m, contentID)
	if err != nil {
		return nil, err
	}
	if content.PublicationID != pub.ID {
		return nil, fmt.Errorf("ledger: content %s is not in publication %s", contentID, pub.ID)
	}
	nft := &ContentNFT{ID: m.nextID(TypeContentNFT), ContentID: contentID}
	m.put(nft, AddressOwner(recipient))
	return clone(nft).(*ContentNFT), nil
}

func (m *Memory) CreateAllowlist(sender ids.Address, capID ids.ObjectID) (*AllowlistPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub, err := m.requireCap(sender, capID)
	if err != nil {
		return nil, err
	}
	pol := &AllowlistPolicy{ID: m.nextID(TypeAllowlistPolicy), PublicationID: pub.ID}
	m.put(pol, SharedOwner())
	return clone(pol).(*AllowlistPolicy), nil
}

func (m *Memory) AllowlistAdd(sender ids.Address, capID, policyID ids.ObjectID, member ids.Address) error {
	return m.editAllowlist(sender, capID, policyID, func(p *AllowlistPolicy) {
		if !contains(p.Members, member) {
			p.Members = append(p.Members, member)
		}
	})
}

func (m *Memory) AllowlistRemove(sender ids.Address, capID, policyID ids.ObjectID, member ids.Address) error {
	return m.editAllowlist(sender, capID, policyID, func(p *AllowlistPolicy) {
		p.Members = without(p.Members, member)
	})
}

func (m *Memory) editAllowlist(sender ids.Address, capID, policyID ids.ObjectID, edit func(*AllowlistPolicy)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub, err := m.requireCap(sender, capID)
	if err != nil {
		return err
	}
	pol, _, err := get[*AllowlistPolicy](m, policyID)
	if err != nil {
		return err
	}
	if pol.PublicationID != pub.ID {
		return fmt.Errorf("ledger: allowlist %s is not in publication %s", policyID, pub.ID)
	}
	edit(pol)
	m.put(pol, SharedOwner())
	return nil
}

// Transfer moves an owned object from sender to recipient.
func (m *Memory) Transfer(sender ids.Address, objectID ids.ObjectID, recipient ids.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.objects[objectID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, objectID)
	}
	if !rec.Owner.OwnedBy(sender) {
		return sealerr.New(sealerr.CodePolicyDenied, "ledger: sender does not own the object")
	}
	m.put(rec.Object, AddressOwner(recipient))
	return nil
}

func without(list []ids.Address, a ids.Address) []ids.Address {
	out := list[:0:0]
	for _, m := range list {
		if m != a {
			out = append(out, m)
		}
	}
	return out
}

func clone(o Object) Object {
	switch v := o.(type) {
	case *Publication:
		c := *v
		c.Contributors = append([]ids.Address(nil), v.Contributors...)
		return &c
	case *OwnerCap:
		c := *v
		return &c
	case *Service:
		c := *v
		return &c
	case *SubscriptionPass:
		c := *v
		return &c
	case *Content:
		c := *v
		return &c
	case *ContentNFT:
		c := *v
		return &c
	case *ContributorPolicy:
		c := *v
		return &c
	case *AllowlistPolicy:
		c := *v
		c.Members = append([]ids.Address(nil), v.Members...)
		return &c
	}
	return o
}
