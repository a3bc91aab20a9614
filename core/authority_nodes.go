package core

// Authority Nodes governance sub-system.
//
// * Six roles with bespoke admission thresholds (public votes + authority votes).
// * Votes are recorded on-chain; once threshold met, node becomes ACTIVE.
// * Exposes RandomElectorate() for consensus validator selection – picks
//   nodes across roles weighted by the roleWeights table.
//
// Persistent keys: nodes under "authority:node:{addr}", votes under
// "authority:vote:{candidate}{voter}".
//
// Compile-time dependencies: types, Ledger (StateRW), stake_penalty.

import (
	crand "crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"
)

//---------------------------------------------------------------------
// Role enum & admission rules
//---------------------------------------------------------------------

type AuthorityRole uint8

const (
	GovernmentNode AuthorityRole = iota + 1
	CentralBankNode
	RegulationNode
	StandardAuthorityNode
	MilitaryNode
	LargeCommerceNode
)

func (r AuthorityRole) String() string {
	switch r {
	case GovernmentNode:
		return "GovernmentNode"
	case CentralBankNode:
		return "CentralBankNode"
	case RegulationNode:
		return "RegulationNode"
	case StandardAuthorityNode:
		return "StandardAuthorityNode"
	case MilitaryNode:
		return "MilitaryNode"
	case LargeCommerceNode:
		return "LargeCommerceNode"
	default:
		return "Unknown"
	}
}

// Admission thresholds by role.
var admissionRules = map[AuthorityRole]struct {
	PublicVotes uint32
	AuthVotes   uint32
}{
	GovernmentNode:        {PublicVotes: 5_000, AuthVotes: 20},
	CentralBankNode:       {PublicVotes: 4_000, AuthVotes: 18},
	RegulationNode:        {PublicVotes: 3_000, AuthVotes: 15},
	StandardAuthorityNode: {PublicVotes: 500, AuthVotes: 10},
	MilitaryNode:          {PublicVotes: 2_000, AuthVotes: 12},
	LargeCommerceNode:     {PublicVotes: 1_000, AuthVotes: 8},
}

//---------------------------------------------------------------------
// AuthoritySet keeper
//---------------------------------------------------------------------

func NewAuthoritySet(lg *logrus.Logger, led StateRW) *AuthoritySet {
	return &AuthoritySet{logger: lg, led: led}
}

//---------------------------------------------------------------------
// RecordVote – public or authority node voting for candidate.
//---------------------------------------------------------------------

// RecordVote registers a vote for an authority candidate. Duplicate votes are
// rejected and the voter is classified as either a public or authority node
// based on whether they are already registered. Once the admission thresholds
// are met the candidate is marked as ACTIVE.
func (as *AuthoritySet) RecordVote(voter, candidate Destination) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	nodeRaw, _ := as.led.GetState(nodeKey(candidate))
	if len(nodeRaw) == 0 {
		return errors.New("candidate not found")
	}
	var n AuthorityNode
	_ = json.Unmarshal(nodeRaw, &n)

	// Prevent duplicate votes from the same voter for the same candidate.
	vk := authorityVoteKey(candidate, voter)
	if ok, _ := as.led.HasState(vk); ok {
		return errors.New("duplicate vote")
	}
	_ = as.led.SetState(vk, []byte{0x01})

	// Determine bucket – authority or public voter.
	if n2, _ := as.led.GetState(nodeKey(voter)); len(n2) > 0 {
		n.AuthVotes++
	} else {
		n.PublicVotes++
	}

	// Check activation thresholds.
	rule := admissionRules[n.Role]
	if !n.Active && n.PublicVotes >= rule.PublicVotes && n.AuthVotes >= rule.AuthVotes {
		n.Active = true
		if as.logger != nil {
			as.logger.Printf("node %s promoted to ACTIVE %s", candidate.Hex(), n.Role)
		}
	}
	return as.led.SetState(nodeKey(candidate), mustJSON(n))
}

//---------------------------------------------------------------------
// RegisterCandidate – owner submits node for role.
//---------------------------------------------------------------------

// RegisterCandidate registers a new authority node using the same destination
// for both node identity and wallet. Kept for callers that don't need a
// separate reward wallet; new code should call RegisterCandidateWithWallet.
func (as *AuthoritySet) RegisterCandidate(addr Destination, role AuthorityRole) error {
	return as.RegisterCandidateWithWallet(addr, role, addr)
}

// RegisterCandidateWithWallet registers a new authority node and attaches a
// wallet destination used for rewards or fee distribution.
func (as *AuthoritySet) RegisterCandidateWithWallet(addr Destination, role AuthorityRole, wallet Destination) error {
	if role < GovernmentNode || role > LargeCommerceNode {
		return errors.New("invalid role")
	}
	if exists, _ := as.led.HasState(nodeKey(addr)); exists {
		return errors.New("already registered")
	}
	if wallet == DestinationZero {
		return errors.New("wallet required")
	}
	n := AuthorityNode{Addr: addr, Wallet: wallet, Role: role, CreatedAt: time.Now().Unix()}
	if err := as.led.SetState(nodeKey(addr), mustJSON(n)); err != nil {
		return err
	}
	if as.logger != nil {
		as.logger.Printf("authority candidate %s registered for role %s", addr.Hex(), role)
	}
	return nil
}

//---------------------------------------------------------------------
// RandomElectorate – returns random ACTIVE authority nodes weighted by role.
//---------------------------------------------------------------------

// roleWeights influences sampling frequency (e.g. Gov nodes weight higher).
var roleWeights = map[AuthorityRole]int{
	GovernmentNode:        6,
	CentralBankNode:       5,
	RegulationNode:        4,
	StandardAuthorityNode: 3,
	MilitaryNode:          2,
	LargeCommerceNode:     2,
}

const (
	authorityPenaltyThreshold uint32  = 100
	authoritySlashFraction    float64 = 0.25
)

func (as *AuthoritySet) RandomElectorate(size int) ([]Destination, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	if size <= 0 {
		return nil, errors.New("size must be >0")
	}

	// Build weighted pool of active destinations.
	var pool []Destination
	iter := as.led.PrefixIterator([]byte("authority:node:"))
	for iter.Next() {
		var n AuthorityNode
		_ = json.Unmarshal(iter.Value(), &n)
		if !n.Active {
			continue
		}
		w := roleWeights[n.Role]
		for i := 0; i < w; i++ {
			pool = append(pool, n.Addr)
		}
	}
	if len(pool) == 0 {
		return nil, errors.New("no active authority nodes")
	}

	if err := shuffleDestinations(pool); err != nil {
		return nil, err
	}
	sel := unique(pool)
	if len(sel) < size {
		size = len(sel)
	}
	return sel[:size], nil
}

// GetAuthority returns the AuthorityNode information for the given destination.
// An error is returned if the destination is not registered.
func (as *AuthoritySet) GetAuthority(addr Destination) (AuthorityNode, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	var n AuthorityNode
	raw, _ := as.led.GetState(nodeKey(addr))
	if len(raw) == 0 {
		return n, errors.New("authority not found")
	}
	if err := json.Unmarshal(raw, &n); err != nil {
		return n, err
	}
	return n, nil
}

// ListAuthorities returns all authority nodes. If activeOnly is true only
// active nodes are returned.
func (as *AuthoritySet) ListAuthorities(activeOnly bool) ([]AuthorityNode, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	iter := as.led.PrefixIterator([]byte("authority:node:"))
	var out []AuthorityNode
	for iter.Next() {
		var n AuthorityNode
		if err := json.Unmarshal(iter.Value(), &n); err != nil {
			continue
		}
		if activeOnly && !n.Active {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// ApplyPenalty records penalty points for an authority node and enforces
// slashing and deactivation if accumulated penalties exceed the threshold.
func (as *AuthoritySet) ApplyPenalty(addr Destination, points uint32, reason string, spm *StakePenaltyManager) error {
	if spm == nil {
		return errors.New("penalty manager required")
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	if err := spm.Penalize(addr, points, reason); err != nil {
		return err
	}
	if spm.PenaltyOf(addr) < authorityPenaltyThreshold {
		return nil
	}
	if _, err := spm.SlashStake(addr, authoritySlashFraction); err != nil {
		return err
	}
	if err := spm.ResetPenalty(addr); err != nil {
		return err
	}

	raw, _ := as.led.GetState(nodeKey(addr))
	if len(raw) == 0 {
		return errors.New("authority not found")
	}
	var n AuthorityNode
	if err := json.Unmarshal(raw, &n); err != nil {
		return err
	}
	n.Active = false
	if err := as.led.SetState(nodeKey(addr), mustJSON(n)); err != nil {
		return err
	}
	if as.logger != nil {
		as.logger.Printf("authority node %s slashed and deactivated", addr.Hex())
	}
	return nil
}

// Deregister removes an authority node and all associated votes.
func (as *AuthoritySet) Deregister(addr Destination) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if ok, _ := as.led.HasState(nodeKey(addr)); !ok {
		return errors.New("authority not found")
	}
	if err := as.led.DeleteState(nodeKey(addr)); err != nil {
		return err
	}

	prefix := append([]byte("authority:vote:"), addr.Bytes()...)
	iter := as.led.PrefixIterator(prefix)
	for iter.Next() {
		_ = as.led.DeleteState(iter.Key())
	}
	if as.logger != nil {
		as.logger.Printf("authority node %s deregistered", addr.Hex())
	}
	return nil
}

//---------------------------------------------------------------------
// Helper funcs
//---------------------------------------------------------------------

func (as *AuthoritySet) IsAuthority(addr Destination) bool {
	raw, _ := as.led.GetState(nodeKey(addr))
	if len(raw) == 0 {
		return false
	}
	var n AuthorityNode
	_ = json.Unmarshal(raw, &n)
	return n.Active
}

func nodeKey(addr Destination) []byte { return append([]byte("authority:node:"), addr.Bytes()...) }

// authorityVoteKey returns the ledger key used to store a vote for a given
// authority candidate from a specific voter. The prefix is distinct from
// other subsystems to avoid key collisions.
func authorityVoteKey(candidate, voter Destination) []byte {
	return append(append([]byte("authority:vote:"), candidate.Bytes()...), voter.Bytes()...)
}

func unique(in []Destination) []Destination {
	seen := make(map[Destination]struct{})
	var out []Destination
	for _, a := range in {
		if _, ok := seen[a]; !ok {
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}

// shuffleDestinations performs a cryptographically random Fisher-Yates
// shuffle, avoiding math/rand so validator selection can't be biased by a
// predictable seed.
func shuffleDestinations(s []Destination) error {
	for i := len(s) - 1; i > 0; i-- {
		jBig, err := crand.Int(crand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return err
		}
		j := int(jBig.Int64())
		s[i], s[j] = s[j], s[i]
	}
	return nil
}

// mustJSON marshals v, panicking on failure. Used for values constructed
// in-process whose shape is known never to fail encoding.
func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
