package directory

import "sort"

type Set[K comparable] map[K]struct{}

func NewSet[K comparable]() Set[K] {
	return make(Set[K])
}

func MakeSet[K comparable](keys []K) Set[K] {
	var ns = NewSet[K]()
	for _, k := range keys {
		ns.Add(k)
	}
	return ns
}

func (s Set[K]) Has(key K) (ok bool) {
	_, ok = s[key]
	return
}

func (s Set[K]) Add(key K) {
	s[key] = struct{}{}
}

func (s Set[K]) Delete(key K) {
	delete(s, key)
}

func (s Set[K]) ToArray() (result []K) {
	for k := range s {
		result = append(result, k)
	}
	return
}

// SortedStrings returns the members of a string set in ascending order.
func SortedStrings(s Set[string]) (result []string) {
	result = s.ToArray()
	sort.Strings(result)
	return
}
