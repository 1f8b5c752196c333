package reachability

import (
	"fmt"
	"slices"
	"strings"

	"membership/internal/member"
)

// Status is one observer's verdict about one subject.
type Status int

const (
	Reachable Status = iota
	Unreachable
	Terminated
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case Reachable:
		return "Reachable"
	case Unreachable:
		return "Unreachable"
	case Terminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Record is a single observation. Version is the observer's version at the
// time the record was written.
type Record struct {
	Observer member.UniqueAddress `json:"observer"`
	Subject  member.UniqueAddress `json:"subject"`
	Status   Status               `json:"status"`
	Version  int64                `json:"version"`
}

func compareRecords(a, b Record) int {
	if c := a.Observer.Compare(b.Observer); c != 0 {
		return c
	}
	return a.Subject.Compare(b.Subject)
}

// Reachability is an immutable ledger of failure observations. Only the
// observer owning a row may supersede it, by writing a newer version. A
// subject without rows is reachable.
type Reachability struct {
	records  []Record
	versions map[member.UniqueAddress]int64

	rows        map[member.UniqueAddress]map[member.UniqueAddress]Record
	unreachable map[member.UniqueAddress]struct{}
	terminated  map[member.UniqueAddress]struct{}
}

var empty = build(nil, nil)

// Empty returns the ledger without any observations.
func Empty() *Reachability {
	return empty
}

// New builds a ledger from records and observer versions, e.g. after decoding
// it from the wire.
func New(records []Record, versions map[member.UniqueAddress]int64) *Reachability {
	rs := slices.Clone(records)
	slices.SortFunc(rs, compareRecords)
	vs := make(map[member.UniqueAddress]int64, len(versions))
	for k, v := range versions {
		vs[k] = v
	}
	return build(rs, vs)
}

// build takes ownership of records, which must already be sorted.
func build(records []Record, versions map[member.UniqueAddress]int64) *Reachability {
	if versions == nil {
		versions = map[member.UniqueAddress]int64{}
	}
	r := &Reachability{
		records:     records,
		versions:    versions,
		rows:        make(map[member.UniqueAddress]map[member.UniqueAddress]Record),
		unreachable: make(map[member.UniqueAddress]struct{}),
		terminated:  make(map[member.UniqueAddress]struct{}),
	}
	for _, rec := range records {
		row, ok := r.rows[rec.Observer]
		if !ok {
			row = make(map[member.UniqueAddress]Record)
			r.rows[rec.Observer] = row
		}
		row[rec.Subject] = rec
		switch rec.Status {
		case Unreachable:
			r.unreachable[rec.Subject] = struct{}{}
		case Terminated:
			r.terminated[rec.Subject] = struct{}{}
		}
	}
	for node := range r.terminated {
		delete(r.unreachable, node)
	}
	return r
}

// Unreachable records that observer cannot reach subject.
func (r *Reachability) Unreachable(observer, subject member.UniqueAddress) *Reachability {
	return r.change(observer, subject, Unreachable)
}

// Reachable records that observer can reach subject again.
func (r *Reachability) Reachable(observer, subject member.UniqueAddress) *Reachability {
	return r.change(observer, subject, Reachable)
}

// Terminated records that observer knows subject is gone for good.
func (r *Reachability) Terminated(observer, subject member.UniqueAddress) *Reachability {
	return r.change(observer, subject, Terminated)
}

// change bumps the observer's version on every call. Rows of an observer
// that would all be Reachable are dropped, and a Terminated row is final.
func (r *Reachability) change(observer, subject member.UniqueAddress, status Status) *Reachability {
	version := r.versions[observer] + 1
	versions := r.copyVersions()
	versions[observer] = version
	record := Record{Observer: observer, Subject: subject, Status: status, Version: version}

	row, hasRow := r.rows[observer]
	if !hasRow {
		if status == Reachable {
			return build(r.records, versions)
		}
		return build(insertRecord(r.records, record), versions)
	}

	old, hasOld := row[subject]
	if !hasOld {
		if status == Reachable && allReachableExcept(row, subject) {
			return build(withoutObserver(r.records, observer), versions)
		}
		return build(insertRecord(r.records, record), versions)
	}

	if old.Status == Terminated || old.Status == status {
		return build(r.records, versions)
	}
	if status == Reachable && allReachableExcept(row, subject) {
		return build(withoutObserver(r.records, observer), versions)
	}
	return build(insertRecord(r.records, record), versions)
}

func allReachableExcept(row map[member.UniqueAddress]Record, subject member.UniqueAddress) bool {
	for s, rec := range row {
		if s != subject && rec.Status != Reachable {
			return false
		}
	}
	return true
}

// insertRecord returns a sorted copy of records with rec added or replacing
// the record for the same observer and subject.
func insertRecord(records []Record, rec Record) []Record {
	i, found := slices.BinarySearchFunc(records, rec, compareRecords)
	out := make([]Record, 0, len(records)+1)
	out = append(out, records[:i]...)
	out = append(out, rec)
	if found {
		i++
	}
	return append(out, records[i:]...)
}

func withoutObserver(records []Record, observer member.UniqueAddress) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if rec.Observer != observer {
			out = append(out, rec)
		}
	}
	return out
}

func (r *Reachability) copyVersions() map[member.UniqueAddress]int64 {
	vs := make(map[member.UniqueAddress]int64, len(r.versions)+1)
	for k, v := range r.versions {
		vs[k] = v
	}
	return vs
}

// Merge combines two ledgers restricted to the allowed nodes. For every
// observer the row set with the higher version wins; an observer always
// gossips its complete row set so nothing is lost by taking it whole.
func (r *Reachability) Merge(allowed map[member.UniqueAddress]struct{}, other *Reachability) *Reachability {
	var records []Record
	versions := make(map[member.UniqueAddress]int64, len(allowed))

	keepAllowed := func(row map[member.UniqueAddress]Record) {
		for subject, rec := range row {
			if _, ok := allowed[subject]; ok {
				records = append(records, rec)
			}
		}
	}

	for observer := range allowed {
		v1, v2 := r.versions[observer], other.versions[observer]
		row1, ok1 := r.rows[observer]
		row2, ok2 := other.rows[observer]
		switch {
		case ok1 && ok2:
			if v1 > v2 {
				keepAllowed(row1)
			} else {
				keepAllowed(row2)
			}
		case ok1:
			if v1 > v2 {
				keepAllowed(row1)
			}
		case ok2:
			if v2 > v1 {
				keepAllowed(row2)
			}
		}
		if v := max(v1, v2); v > 0 {
			versions[observer] = v
		}
	}

	slices.SortFunc(records, compareRecords)
	return build(records, versions)
}

// Remove drops every record that names one of nodes as observer or subject,
// and their versions.
func (r *Reachability) Remove(nodes ...member.UniqueAddress) *Reachability {
	if len(nodes) == 0 {
		return r
	}
	drop := toSet(nodes)
	records := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		_, o := drop[rec.Observer]
		_, s := drop[rec.Subject]
		if !o && !s {
			records = append(records, rec)
		}
	}
	versions := r.copyVersions()
	for n := range drop {
		delete(versions, n)
	}
	return build(records, versions)
}

// RemoveObservers drops the rows and versions of the given observers.
func (r *Reachability) RemoveObservers(nodes ...member.UniqueAddress) *Reachability {
	if len(nodes) == 0 {
		return r
	}
	drop := toSet(nodes)
	records := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if _, ok := drop[rec.Observer]; !ok {
			records = append(records, rec)
		}
	}
	versions := r.copyVersions()
	for n := range drop {
		delete(versions, n)
	}
	return build(records, versions)
}

func toSet(nodes []member.UniqueAddress) map[member.UniqueAddress]struct{} {
	set := make(map[member.UniqueAddress]struct{}, len(nodes))
	for _, n := range nodes {
		set[n] = struct{}{}
	}
	return set
}

// Status aggregates every observer's verdict about subject: Terminated
// dominates Unreachable, which dominates Reachable.
func (r *Reachability) Status(subject member.UniqueAddress) Status {
	if _, ok := r.terminated[subject]; ok {
		return Terminated
	}
	if _, ok := r.unreachable[subject]; ok {
		return Unreachable
	}
	return Reachable
}

// StatusFrom returns observer's own verdict about subject.
func (r *Reachability) StatusFrom(observer, subject member.UniqueAddress) Status {
	if rec, ok := r.rows[observer][subject]; ok {
		return rec.Status
	}
	return Reachable
}

// IsReachable reports whether no observer considers node unreachable or terminated.
func (r *Reachability) IsReachable(node member.UniqueAddress) bool {
	return r.Status(node) == Reachable
}

// IsReachableFrom reports whether observer considers subject reachable.
func (r *Reachability) IsReachableFrom(observer, subject member.UniqueAddress) bool {
	return r.StatusFrom(observer, subject) == Reachable
}

// IsAllReachable reports whether the ledger holds no observations at all.
func (r *Reachability) IsAllReachable() bool {
	return len(r.records) == 0
}

// AllUnreachable returns subjects marked Unreachable and not Terminated.
func (r *Reachability) AllUnreachable() []member.UniqueAddress {
	return sortedKeys(r.unreachable)
}

// AllTerminated returns subjects marked Terminated by some observer.
func (r *Reachability) AllTerminated() []member.UniqueAddress {
	return sortedKeys(r.terminated)
}

// AllUnreachableOrTerminated returns every subject that is not reachable.
func (r *Reachability) AllUnreachableOrTerminated() []member.UniqueAddress {
	set := make(map[member.UniqueAddress]struct{}, len(r.unreachable)+len(r.terminated))
	for n := range r.unreachable {
		set[n] = struct{}{}
	}
	for n := range r.terminated {
		set[n] = struct{}{}
	}
	return sortedKeys(set)
}

// AllUnreachableFrom returns the subjects observer marked Unreachable.
func (r *Reachability) AllUnreachableFrom(observer member.UniqueAddress) []member.UniqueAddress {
	set := make(map[member.UniqueAddress]struct{})
	for subject, rec := range r.rows[observer] {
		if rec.Status == Unreachable {
			set[subject] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// ObserversGroupedByUnreachable maps every unreachable subject to the
// observers that marked it so.
func (r *Reachability) ObserversGroupedByUnreachable() map[member.UniqueAddress][]member.UniqueAddress {
	out := make(map[member.UniqueAddress][]member.UniqueAddress)
	for _, rec := range r.records {
		if rec.Status == Unreachable {
			out[rec.Subject] = append(out[rec.Subject], rec.Observer)
		}
	}
	return out
}

// AllObservers returns every observer that owns rows.
func (r *Reachability) AllObservers() []member.UniqueAddress {
	set := make(map[member.UniqueAddress]struct{}, len(r.rows))
	for o := range r.rows {
		set[o] = struct{}{}
	}
	return sortedKeys(set)
}

// RecordsFrom returns observer's rows in subject order.
func (r *Reachability) RecordsFrom(observer member.UniqueAddress) []Record {
	var out []Record
	for _, rec := range r.records {
		if rec.Observer == observer {
			out = append(out, rec)
		}
	}
	return out
}

// Records returns every record ordered by observer, then subject.
func (r *Reachability) Records() []Record {
	return slices.Clone(r.records)
}

// Versions returns a copy of the observer versions.
func (r *Reachability) Versions() map[member.UniqueAddress]int64 {
	return r.copyVersions()
}

// Version returns observer's current version, 0 if it never observed anything.
func (r *Reachability) Version(observer member.UniqueAddress) int64 {
	return r.versions[observer]
}

// Equal reports whether both ledgers hold the same records and versions.
func (r *Reachability) Equal(other *Reachability) bool {
	if r == other {
		return true
	}
	if !slices.Equal(r.records, other.records) || len(r.versions) != len(other.versions) {
		return false
	}
	for k, v := range r.versions {
		if ov, ok := other.versions[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (r *Reachability) String() string {
	var b strings.Builder
	b.WriteString("Reachability(")
	for i, rec := range r.records {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s -> %s: %s [%d]", rec.Observer, rec.Subject, rec.Status, rec.Version)
	}
	b.WriteString(")")
	return b.String()
}

func sortedKeys(set map[member.UniqueAddress]struct{}) []member.UniqueAddress {
	out := make([]member.UniqueAddress, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	slices.SortFunc(out, member.UniqueAddress.Compare)
	return out
}
