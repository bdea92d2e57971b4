package replica

// EncodeFull produces a complete-state payload for a new observer, using the
// same wire format as incremental updates: a scratch clone is marked dirty
// on every field and every collection entry, then run through the ordinary
// encoder. The live value's masks are untouched.
func EncodeFull(v *Value) ([]byte, error) {
	scratch := v.Clone()
	markDeep(scratch)
	return Encode(scratch, scratch.mask)
}

func markDeep(v *Value) {
	v.mask = v.desc.FullMask()
	for _, m := range v.msg {
		if m != nil {
			markDeep(m)
		}
	}
	for i := range v.kv {
		for k, e := range v.kv[i] {
			if isRemoved(e.mask) {
				// A pending removal has no place in a fresh observer's state.
				delete(v.kv[i], k)
				continue
			}
			markDeep(e)
		}
	}
}
