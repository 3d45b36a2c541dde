package models

// Prot is a memory protection set, as used by segment descriptors.
type Prot uint8

const (
	PROT_NONE  Prot = 0
	PROT_READ  Prot = 1
	PROT_WRITE Prot = 2
	PROT_EXEC  Prot = 4
	PROT_ALL   Prot = 7
)

func (p Prot) String() string {
	b := []byte("---")
	if p&PROT_READ != 0 {
		b[0] = 'r'
	}
	if p&PROT_WRITE != 0 {
		b[1] = 'w'
	}
	if p&PROT_EXEC != 0 {
		b[2] = 'x'
	}
	return string(b)
}
