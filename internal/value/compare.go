package value

import (
	"strings"
	"time"
)

// Equal reports kind-strict deep equality. Numbers compare numerically,
// strings by text, instants by epoch. An instant also equals an RFC 3339
// string naming the same moment and a number holding its epoch milliseconds.
func Equal(a, b any) bool {
	ka, kb := KindOf(a), KindOf(b)
	if ka == KindTime || kb == KindTime {
		ta, okA := instant(a)
		tb, okB := instant(b)
		return okA && okB && ta.Equal(tb)
	}
	if ka != kb {
		return false
	}
	switch ka {
	case KindNull:
		return true
	case KindBool:
		return a.(bool) == b.(bool)
	case KindNumber:
		na, _ := Number(a)
		nb, _ := Number(b)
		return na == nb
	case KindString:
		return a.(string) == b.(string)
	case KindArray:
		sa, _ := Seq(a)
		sb, _ := Seq(b)
		if len(sa) != len(sb) {
			return false
		}
		for i := range sa {
			if !Equal(sa[i], sb[i]) {
				return false
			}
		}
		return true
	case KindObject:
		ma, _ := Map(a)
		mb, _ := Map(b)
		if len(ma) != len(mb) {
			return false
		}
		for key, va := range ma {
			vb, ok := mb[key]
			if !ok || !Equal(va, vb) {
				return false
			}
		}
		return true
	}
	return Text(a) == Text(b)
}

// Compare orders two values of a comparable kind. The boolean result is
// false when the kinds cannot be ordered against each other.
func Compare(a, b any) (int, bool) {
	ka, kb := KindOf(a), KindOf(b)
	if ka == KindTime || kb == KindTime {
		ta, okA := instant(a)
		tb, okB := instant(b)
		if !okA || !okB {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	if ka != kb {
		return 0, false
	}
	switch ka {
	case KindNumber:
		na, _ := Number(a)
		nb, _ := Number(b)
		switch {
		case na < nb:
			return -1, true
		case na > nb:
			return 1, true
		}
		return 0, true
	case KindString:
		return strings.Compare(a.(string), b.(string)), true
	case KindBool:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0, true
		case !ba:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func instant(v any) (time.Time, bool) {
	if t, ok := Time(v); ok {
		return t, true
	}
	if n, ok := Number(v); ok {
		return time.UnixMilli(int64(n)), true
	}
	return time.Time{}, false
}
