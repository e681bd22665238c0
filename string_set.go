package benchproxy

// StringSet is a read-only set, safe for concurrent lookups.
type StringSet struct {
	underlying map[string]struct{}
}

func NewStringSetFromStrings(in []string) *StringSet {
	underlying := make(map[string]struct{}, len(in))
	for _, str := range in {
		underlying[str] = struct{}{}
	}
	return &StringSet{
		underlying: underlying,
	}
}

func (s *StringSet) Has(test string) bool {
	_, ok := s.underlying[test]
	return ok
}
