package message

// Merge folds src into dst and returns dst. A nil dst yields a copy of src.
//
// Blocks concatenate in order. A presence for a CID already present in dst
// replaces the earlier one in place. Wantlist entries are unioned by CID in
// first-seen order: the higher priority is kept while cancel, want type and
// send-dont-have come from the later entry. Full is OR'd and pending bytes
// are summed.
func Merge(dst, src *Message) *Message {
	if dst == nil {
		return src.Clone()
	}
	if src == nil {
		return dst
	}

	dst.Blocks = append(dst.Blocks, src.Blocks...)

	for _, p := range src.BlockPresences {
		replaced := false
		for i := range dst.BlockPresences {
			if string(dst.BlockPresences[i].CID) == string(p.CID) {
				dst.BlockPresences[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			dst.BlockPresences = append(dst.BlockPresences, p)
		}
	}

	if src.Wantlist != nil {
		if dst.Wantlist == nil {
			dst.Wantlist = &Wantlist{}
		}
		dst.Wantlist.Full = dst.Wantlist.Full || src.Wantlist.Full

		index := make(map[string]int, len(dst.Wantlist.Entries))
		for i, e := range dst.Wantlist.Entries {
			index[string(e.CID)] = i
		}
		for _, e := range src.Wantlist.Entries {
			i, ok := index[string(e.CID)]
			if !ok {
				index[string(e.CID)] = len(dst.Wantlist.Entries)
				dst.Wantlist.Entries = append(dst.Wantlist.Entries, e)
				continue
			}
			cur := &dst.Wantlist.Entries[i]
			if e.Priority > cur.Priority {
				cur.Priority = e.Priority
			}
			cur.Cancel = e.Cancel
			cur.WantType = e.WantType
			cur.SendDontHave = e.SendDontHave
		}
	}

	dst.PendingBytes += src.PendingBytes
	return dst
}
