package scene

import "sort"

// DependencyIndex maps a referenced asset id to the component paths that
// reference it. Keys with no referrers are dropped, so presence of a key means
// the asset is in use.
type DependencyIndex struct {
	paths map[string]map[string]struct{}
}

func NewDependencyIndex() *DependencyIndex {
	return &DependencyIndex{paths: make(map[string]map[string]struct{})}
}

// Add records path as a referrer of each id and returns the ids that gained
// their first referrer.
func (d *DependencyIndex) Add(path string, ids []string) []string {
	var added []string
	for _, id := range ids {
		set := d.paths[id]
		if set == nil {
			set = make(map[string]struct{})
			d.paths[id] = set
		}
		if _, ok := set[path]; ok {
			continue
		}
		set[path] = struct{}{}
		if len(set) == 1 {
			added = append(added, id)
		}
	}
	return added
}

// Remove drops path from each id and returns the ids left with no referrer.
func (d *DependencyIndex) Remove(path string, ids []string) []string {
	var removed []string
	for _, id := range ids {
		set, ok := d.paths[id]
		if !ok {
			continue
		}
		if _, ok = set[path]; !ok {
			continue
		}
		delete(set, path)
		if len(set) == 0 {
			delete(d.paths, id)
			removed = append(removed, id)
		}
	}
	return removed
}

func (d *DependencyIndex) Referenced(id string) bool {
	_, ok := d.paths[id]
	return ok
}

// IDs returns every referenced asset id, sorted.
func (d *DependencyIndex) IDs() []string {
	ids := make([]string, 0, len(d.paths))
	for id := range d.paths {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Paths returns the referrers of id, sorted.
func (d *DependencyIndex) Paths(id string) []string {
	set := d.paths[id]
	paths := make([]string, 0, len(set))
	for path := range set {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (d *DependencyIndex) Len() int {
	return len(d.paths)
}
