package contracthost

import "github.com/l2indexer/node/pkg/txtypes"

// pointerKey is the overlay's lookup key: a contract's storage pointers
// are scoped to that contract, never visible to another (§4.6 Load).
type pointerKey struct {
	contract [20]byte
	pointer  txtypes.Hash32
}

// overlay is one call frame's transaction-local write set. A nested Call
// gets its own overlay; it is merged into the parent only if the nested
// frame returns normally (§4.6 Call).
type overlay struct {
	writes map[pointerKey]txtypes.Hash32
}

func newOverlay() *overlay {
	return &overlay{writes: map[pointerKey]txtypes.Hash32{}}
}

func (o *overlay) get(contract [20]byte, pointer txtypes.Hash32) (txtypes.Hash32, bool) {
	v, ok := o.writes[pointerKey{contract, pointer}]
	return v, ok
}

func (o *overlay) set(contract [20]byte, pointer, value txtypes.Hash32) {
	o.writes[pointerKey{contract, pointer}] = value
}

// merge folds child's writes into o, letting child's values win (the
// nested frame is the more recent write).
func (o *overlay) merge(child *overlay) {
	for k, v := range child.writes {
		o.writes[k] = v
	}
}

// callStack tracks the current chain of nested Call/DeployAt invocations
// so the host can enforce CALL_DEPTH_MAX / DEPLOY_DEPTH_MAX (§4.6).
type callStack struct {
	contracts  [][20]byte
	deployDepth int
}

func (c *callStack) push(addr [20]byte) { c.contracts = append(c.contracts, addr) }
func (c *callStack) pop()               { c.contracts = c.contracts[:len(c.contracts)-1] }
func (c *callStack) depth() int         { return len(c.contracts) }
func (c *callStack) current() [20]byte  { return c.contracts[len(c.contracts)-1] }
