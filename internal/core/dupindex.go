package core

import "context"

// DuplicateIndex maps PhoneKeys to the contact that owns them. It is a
// snapshot built once per job; Add extends it with contacts inserted by the
// job itself so a file cannot insert the same phone twice.
//
// A DuplicateIndex is owned by one job and is not safe for concurrent use.
type DuplicateIndex struct {
	byKey map[string]ExistingContactSummary
}

// NewDuplicateIndex returns an empty index.
func NewDuplicateIndex() *DuplicateIndex {
	return &DuplicateIndex{byKey: make(map[string]ExistingContactSummary)}
}

// BuildDuplicateIndex indexes every phone-family value of the store's
// non-archived contacts with a single read.
func BuildDuplicateIndex(ctx context.Context, store RecordStore) (*DuplicateIndex, error) {
	contacts, err := store.ReadExistingContacts(ctx)
	if err != nil {
		return nil, &StoreError{Op: "read existing contacts", Err: err}
	}

	ix := &DuplicateIndex{byKey: make(map[string]ExistingContactSummary, len(contacts)*2)}
	for _, c := range contacts {
		ix.AddContact(c)
	}
	return ix, nil
}

// AddContact indexes every phone-family value of c.
func (ix *DuplicateIndex) AddContact(c ExistingContact) {
	summary := c.Summary()
	for _, f := range PhoneFields {
		ix.Add(NormalizePhone(c.Phones[f]), summary)
	}
}

// Add indexes key. The first writer wins; it reports whether key was new.
func (ix *DuplicateIndex) Add(key string, summary ExistingContactSummary) bool {
	if key == "" {
		return false
	}
	if _, ok := ix.byKey[key]; ok {
		return false
	}
	ix.byKey[key] = summary
	return true
}

// Lookup returns the contact owning the first indexed key among keys.
func (ix *DuplicateIndex) Lookup(keys ...string) (ExistingContactSummary, string, bool) {
	for _, k := range keys {
		if k == "" {
			continue
		}
		if s, ok := ix.byKey[k]; ok {
			return s, k, true
		}
	}
	return ExistingContactSummary{}, "", false
}

// Check returns a *DuplicateError when any of keys is indexed.
func (ix *DuplicateIndex) Check(keys ...string) error {
	if s, key, ok := ix.Lookup(keys...); ok {
		return &DuplicateError{PhoneKey: key, Matched: s}
	}
	return nil
}

// Len returns the number of indexed keys.
func (ix *DuplicateIndex) Len() int { return len(ix.byKey) }
