package od

import (
	"github.com/scythe-robotics/canfetti/pkg/errs"
)

// OdProxy is a scoped streaming cursor over a single Variable. It is
// acquired with MakeProxy, which takes the variable's single-holder lock,
// and must be released with Close, which bumps the generation counter and
// fires change callbacks unless the caller suppressed them. A proxy
// that outlives its data (resized out from under it, or the entry
// released twice) is a programming error, not a wire condition.
type OdProxy struct {
	variable    *Variable
	offset      int
	changed     bool
	suppressed  bool
	released    bool
	dynamicOpen bool
}

// newOdProxy takes variable's lock and, if it is DynamicVar-backed, opens
// the dynamic access window. It fails with DataXferLocal if the lock is
// already held.
func newOdProxy(variable *Variable) (*OdProxy, error) {
	if !variable.mu.TryLock() {
		return nil, errs.DataXferLocal
	}
	if variable.dynamic != nil {
		if err := variable.dynamic.BeginAccess(); err != nil {
			variable.mu.Unlock()
			return nil, errs.HwError
		}
	}
	return &OdProxy{variable: variable}, nil
}

func (p *OdProxy) length() int {
	if p.variable.dynamic != nil {
		return p.variable.dynamic.Size()
	}
	return len(p.variable.value)
}

// Remaining returns the number of bytes left to read or write before the
// cursor reaches the end of the value.
func (p *OdProxy) Remaining() int {
	remaining := p.length() - p.offset
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CopyInto copies up to n bytes from the value at the current cursor
// position into out, advancing the cursor. It fails with ReadViolation
// on a write-only variable and ParamLengthHigh if n exceeds what remains.
func (p *OdProxy) CopyInto(out []byte, n int) (int, error) {
	if p.variable.Access() == AccessWO {
		return 0, errs.ReadViolation
	}
	if n > p.Remaining() {
		return 0, errs.ParamLengthHigh
	}
	if p.variable.dynamic != nil {
		buf := make([]byte, p.length())
		if _, err := p.variable.dynamic.ReadInto(buf); err != nil {
			return 0, errs.HwError
		}
		copied := copy(out[:n], buf[p.offset:p.offset+n])
		p.offset += copied
		return copied, nil
	}
	copied := copy(out[:n], p.variable.value[p.offset:p.offset+n])
	p.offset += copied
	return copied, nil
}

// CopyFrom writes up to n bytes from in into the value at the current
// cursor position, advancing the cursor and marking the proxy changed.
// It fails with WriteViolation on a read-only variable and
// ParamLengthHigh if n would overrun a fixed-size value.
func (p *OdProxy) CopyFrom(in []byte, n int) (int, error) {
	if p.variable.Access() == AccessRO {
		return 0, errs.WriteViolation
	}
	if n > p.Remaining() {
		return 0, errs.ParamLengthHigh
	}
	if p.variable.dynamic != nil {
		written, err := p.variable.dynamic.WriteFrom(in[:n])
		if err != nil {
			return 0, errs.HwError
		}
		p.offset += written
		p.changed = true
		return written, nil
	}
	copied := copy(p.variable.value[p.offset:p.offset+n], in[:n])
	p.offset += copied
	p.changed = true
	return copied, nil
}

// Resize changes the length of the underlying value. Only meaningful for
// DynamicVar-backed or variable-length (string/octet/domain) variables;
// it fails with ParamIncompatibility on a fixed-size scalar. Resetting the
// cursor to 0 is the caller's responsibility via Reset.
func (p *OdProxy) Resize(newLen int) error {
	if p.variable.dynamic != nil {
		if err := p.variable.dynamic.Resize(newLen); err != nil {
			return errs.HwError
		}
		p.changed = true
		return nil
	}
	switch p.variable.DataType {
	case VISIBLE_STRING, OCTET_STRING, DOMAIN:
		grown := make([]byte, newLen)
		copy(grown, p.variable.value)
		p.variable.value = grown
		p.changed = true
		return nil
	default:
		return errs.ParamIncompatibility
	}
}

// Reset rewinds the cursor to the start of the value without affecting
// the changed flag.
func (p *OdProxy) Reset() {
	p.offset = 0
}

// SuppressCallbacks marks this proxy so that Close does not fire change
// callbacks even if the value was modified. The generation counter is
// still bumped.
func (p *OdProxy) SuppressCallbacks() {
	p.suppressed = true
}

// Close releases the entry's lock, bumping the generation counter and
// firing change callbacks if the value was modified (unless suppressed).
// Close is idempotent; calling it twice is a no-op on the second call.
func (p *OdProxy) Close() error {
	if p.released {
		return nil
	}
	p.released = true
	variable := p.variable
	if variable.dynamic != nil {
		if err := variable.dynamic.EndAccess(); err != nil {
			variable.mu.Unlock()
			return errs.HwError
		}
	}
	if p.changed {
		variable.generation++
	}
	variable.mu.Unlock()
	if p.changed && !p.suppressed {
		variable.fireCallbacks()
	}
	return nil
}
