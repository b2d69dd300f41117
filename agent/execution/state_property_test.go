package execution

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// 随机转换序列：终态一旦进入便不可离开，且 SafeSetState 的返回值与 CanTransition 一致
func TestProperty_TerminalStatesAreAbsorbing(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	states := AllStates()

	properties.Property("terminal states absorb every later transition", prop.ForAll(
		func(steps []int) bool {
			exec := &fakeExecution{state: StatePendingBootstrap}
			terminal := State("")
			for _, idx := range steps {
				next := states[idx%len(states)]
				from := exec.state
				ok := SafeSetState(exec, next, nil)
				if ok != CanTransition(from, next) {
					return false
				}
				if terminal != "" && exec.state != terminal {
					return false
				}
				if IsTerminal(exec.state) {
					terminal = exec.state
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(states)-1)),
	))

	properties.TestingRun(t)
}
