package entity

// MembershipUpdate accumulates set-valued mutations against one referral
// code document. All mutations are unions or removals, never increments or
// blind overwrites, so applying the same update twice is harmless.
//
// The attributor and the reconciler both express their tier transitions
// through this type; the lifetime-never-expires rule lives here and nowhere
// else.
type MembershipUpdate struct {
	Code string

	adds  map[string][]string
	pulls map[string][]string

	StampLastPurchase   bool
	StampLastValidation bool
}

func NewMembershipUpdate(code string) *MembershipUpdate {
	return &MembershipUpdate{
		Code:  code,
		adds:  make(map[string][]string),
		pulls: make(map[string][]string),
	}
}

// AddPurchased unions the user into the tier's monotonic purchase history.
func (m *MembershipUpdate) AddPurchased(tier Tier, userID string) {
	if tier.Valid() {
		m.add(tier.PurchasedField(), userID)
	}
}

// AddActive unions the user into the tier's active set.
func (m *MembershipUpdate) AddActive(tier Tier, userID string) {
	if tier.Valid() {
		m.add(tier.ActiveField(), userID)
	}
}

// RemoveActive pulls the user from the tier's active set.
func (m *MembershipUpdate) RemoveActive(tier Tier, userID string) {
	if tier.Valid() {
		m.pull(tier.ActiveField(), userID)
	}
}

// MoveActive handles a tier transition: the user leaves the old tier's
// active set unless the old tier was lifetime, which has no expiry and is
// never vacated on a product switch.
func (m *MembershipUpdate) MoveActive(old, current Tier, userID string) {
	if old == current || !old.Valid() {
		return
	}
	if old.Expires() {
		m.RemoveActive(old, userID)
	}
}

// RemovePurchased drops the user from the tier's purchase history. Only the
// orphaned-account cleanup path uses this; ordinary expiry never does.
func (m *MembershipUpdate) RemovePurchased(tier Tier, userID string) {
	if tier.Valid() {
		m.pull(tier.PurchasedField(), userID)
	}
}

func (m *MembershipUpdate) add(field, userID string) {
	m.adds[field] = appendUnique(m.adds[field], userID)
	// An add supersedes a staged pull of the same membership.
	m.pulls[field] = remove(m.pulls[field], userID)
}

func (m *MembershipUpdate) pull(field, userID string) {
	m.pulls[field] = appendUnique(m.pulls[field], userID)
	m.adds[field] = remove(m.adds[field], userID)
}

// Adds returns the staged unions keyed by document field.
func (m *MembershipUpdate) Adds() map[string][]string { return m.adds }

// Pulls returns the staged removals keyed by document field.
func (m *MembershipUpdate) Pulls() map[string][]string { return m.pulls }

func (m *MembershipUpdate) Empty() bool {
	for _, ids := range m.adds {
		if len(ids) > 0 {
			return false
		}
	}
	for _, ids := range m.pulls {
		if len(ids) > 0 {
			return false
		}
	}
	return !m.StampLastPurchase && !m.StampLastValidation
}

func appendUnique(ids []string, id string) []string {
	for _, v := range ids {
		if v == id {
			return ids
		}
	}
	return append(ids, id)
}

func remove(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
