package toolbox

// IDSet is a set of trace IDs laid out for efficient
// memory use and access.
//
// Trace generators hand out IDs densely, so a radix
// bitmap is far smaller than a map.
type IDSet struct {
	// m is a 4-level radix structure.
	//
	// The bottom level is a bitmap, with one bit per ID.
	m [1 << 16]*[1 << 16]*[1 << 16]*[(1 << 16) / 8]uint8
	n int
}

func (a *IDSet) leaf(id uint64, create bool) *[(1 << 16) / 8]uint8 {
	l1 := &a.m[id>>48]
	if *l1 == nil {
		if !create {
			return nil
		}
		*l1 = new([1 << 16]*[1 << 16]*[(1 << 16) / 8]uint8)
	}
	l2 := &((*l1)[(id>>32)&0xffff])
	if *l2 == nil {
		if !create {
			return nil
		}
		*l2 = new([1 << 16]*[(1 << 16) / 8]uint8)
	}
	l3 := &((*l2)[(id>>16)&0xffff])
	if *l3 == nil {
		if !create {
			return nil
		}
		*l3 = new([(1 << 16) / 8]uint8)
	}
	return *l3
}

// Add adds a new ID to the IDSet.
//
// Returns true on success. That is, if the ID
// was not already present in the set.
func (a *IDSet) Add(id uint64) bool {
	c := a.leaf(id, true)
	i := id & 0xffff
	mask := uint8(1) << (i % 8)
	idx := i / 8
	if c[idx]&mask != 0 {
		return false
	}
	c[idx] |= mask
	a.n++
	return true
}

// Remove removes an ID from the IDSet.
//
// Returns true on success. That is, if the ID
// was present in the set.
func (a *IDSet) Remove(id uint64) bool {
	c := a.leaf(id, false)
	if c == nil {
		return false
	}
	i := id & 0xffff
	mask := uint8(1) << (i % 8)
	idx := i / 8
	if c[idx]&mask == 0 {
		return false
	}
	c[idx] &^= mask
	a.n--
	return true
}

// Has reports whether id is in the set.
func (a *IDSet) Has(id uint64) bool {
	c := a.leaf(id, false)
	if c == nil {
		return false
	}
	i := id & 0xffff
	return c[i/8]&(uint8(1)<<(i%8)) != 0
}

// Len returns the number of IDs in the set.
func (a *IDSet) Len() int {
	return a.n
}
