package dcs

import "strconv"

const shiftStep = 10000

// Reserved shifts of DC ids. Sessions on shifted ids never collide with the
// regular session of the same DC.
const (
	ConfigShift     = 1
	LogoutShift     = 2
	DestroyKeyShift = 3
)

// ShiftedDC is a DC id combined with a session shift.
type ShiftedDC int

// Shift returns shifted DC id.
func Shift(dc, shift int) ShiftedDC {
	return ShiftedDC(dc + shiftStep*shift)
}

// Bare returns DC id without shift.
func (s ShiftedDC) Bare() int {
	return int(s) % shiftStep
}

// Shift returns session shift.
func (s ShiftedDC) Shift() int {
	return int(s) / shiftStep
}

func (s ShiftedDC) String() string {
	if s.Shift() == 0 {
		return strconv.Itoa(s.Bare())
	}
	return strconv.Itoa(s.Bare()) + "+" + strconv.Itoa(s.Shift())
}
