package pbufpool

import "fmt"

// Flags are the capability bits of a pool. All bits are fixed at creation
// except FlagClosed, which is set once and never cleared.
type Flags uint32

const (
	FlagExternal       Flags = 1 << iota // shared with an untrusted owner; validation tables exist
	FlagClosed                           // no further allocation
	FlagMonolithic                       // buffer region is a single segment
	FlagTruncatedBuf                     // buffer objects may be shorter than the advertised size
	FlagKernelOnly                       // no user-visible mapping
	FlagBufferOnDemand                   // buffers are attached to packets explicitly
	FlagBatch                            // metadata cache has magazines for batch alloc/free
	FlagDynamic                          // magazines resize under pressure
	FlagLargeBuf                         // a large buffer size class exists
	FlagRawBuflet                        // buflets may be allocated without a buffer
)

var flagNames = []string{
	"external", "closed", "monolithic", "truncated_buf", "kernel_only",
	"buffer_on_demand", "batch", "dynamic", "large_buf", "raw_buflet",
}

// Has reports whether every bit of f is set.
func (f Flags) Has(bits Flags) bool { return f&bits == bits }

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	s := ""
	for i, name := range flagNames {
		if f&(1<<i) == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += name
	}
	return s
}

// CreateFlags select pool capabilities at Create.
type CreateFlags uint32

const (
	CreateExternal     CreateFlags = 1 << iota // shared with an untrusted owner
	CreateKernelOnly                           // kernel-only, no user regions
	CreateTruncatedBuf                         // compat: buffer may be short
	CreateOnDemandBuf                          // buffer alloc/free decoupled from packets
	CreateDynamic                              // dynamic per-CPU magazines
	CreateRawBuflet                            // buflets may be allocated without a buffer
)

var createFlagNames = map[string]CreateFlags{
	"external":      CreateExternal,
	"kernel_only":   CreateKernelOnly,
	"truncated_buf": CreateTruncatedBuf,
	"on_demand_buf": CreateOnDemandBuf,
	"dynamic":       CreateDynamic,
	"raw_buflet":    CreateRawBuflet,
}

// ParseCreateFlags maps configuration names onto CreateFlags.
func ParseCreateFlags(names []string) (CreateFlags, error) {
	var f CreateFlags
	for _, n := range names {
		bit, ok := createFlagNames[n]
		if !ok {
			return 0, fmt.Errorf("%w: unknown create flag %q", ErrConfig, n)
		}
		f |= bit
	}
	return f, nil
}

// AllocFlags modify a single allocation request.
type AllocFlags uint32

const (
	// AllocLarge requests the large buffer size class.
	AllocLarge AllocFlags = 1 << iota
	// AllocNoBuffer skips buffer attachment: packets come without buflets,
	// buflets come without a buffer.
	AllocNoBuffer
	// AllocZero clears attached buffers before they are handed out.
	AllocZero
)
