package vm

import (
	"fmt"
	"os"
)

// handleThrow computes the catch block for a thrown exception, unwinding
// the coroutine caller chain when a coroutine's stack holds no handler.
// Returns a negative catch address when the exception is uncaught and an
// attached debug session recorded it; with no session the process exits.
func handleThrow(p *Process, exception Value) (catchAddress, stackDelta int) {
	for {
		if address, delta, ok := computeCatchBlock(p); ok {
			return address, delta
		}

		// Unwind the coroutine caller chain by one level.
		current := p.coroutine
		co := p.program.heap.Get(current).(*Coroutine)
		if co.Caller == current {
			// Uncaught exception.
			fmt.Fprintln(os.Stderr, "Uncaught exception:")
			fmt.Fprintln(os.Stderr, p.program.ValueString(exception))

			session := p.program.Session()
			if session != nil && session.IsDebugging() {
				session.UncaughtException()
				return -1, 0
			}
			p.exit(1)
			return -1, 0
		}

		caller := co.Caller
		p.UpdateCoroutine(caller)

		// The coroutine that did not catch is done: clear its stack
		// reference so the memory is not held, and self-loop the caller.
		co.Stack = p.program.nullObject
		co.Caller = current
	}
}

// computeCatchBlock walks the current stack's frames for a catch range
// covering the saved bytecode pointer. Frame boundaries are found through
// the frame protocol: return addresses are the only address-tagged slots
// on the stack.
//
// The returned delta is counted relative to a stack that includes the
// saved bcp on top: dropping delta slots from the saved top leaves the
// handler's expected frame with the top slot ready to receive the
// exception.
func computeCatchBlock(p *Process) (catchAddress, stackDelta int, ok bool) {
	st := p.Stack()
	top := st.Top()
	bcp := st.Get(top).Address()
	scan := top - 1

	for {
		ret := scan
		for ret >= 0 && !st.Get(ret).IsAddress() {
			ret--
		}
		frameBase := ret + 1

		fn := p.program.FunctionForAddress(bcp)
		offset := bcp - fn.Start
		for _, c := range fn.Catches {
			if offset >= c.Start && offset < c.End {
				handlerSlot := frameBase + c.FrameSize - 1
				return fn.Start + c.Handler, top - handlerSlot, true
			}
		}

		if ret < 0 {
			return 0, 0, false
		}
		bcp = st.Get(ret).Address()
		scan = ret - 1
	}
}

// ValueString renders a value for diagnostics and uncaught-exception
// reporting.
func (p *Program) ValueString(v Value) string {
	if v.IsSmi() {
		return fmt.Sprintf("%d", v.Smi())
	}
	if !v.IsHeapRef() {
		return "<invalid>"
	}
	switch o := p.heap.Get(v).(type) {
	case *String:
		return o.Contents
	case *Double:
		return fmt.Sprintf("%g", o.Contents)
	case *LargeInteger:
		return fmt.Sprintf("%d", o.Contents)
	case *Instance:
		switch v {
		case p.nullObject:
			return "null"
		case p.trueObject:
			return "true"
		case p.falseObject:
			return "false"
		}
		if o.Class == p.errorClass && len(o.Fields) > 0 {
			return "error: " + p.ValueString(o.Fields[0])
		}
		return "instance of " + o.Class.Name
	case *Function:
		return "function " + o.Name
	case *Class:
		return "class " + o.Name
	case *Coroutine:
		return "coroutine"
	case *Port:
		return "port"
	}
	return "<object>"
}
