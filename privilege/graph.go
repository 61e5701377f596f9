// Package privilege 在已校验的平台定义上计算特权级别之间的路径，并识别提示符与命令失败。
package privilege

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/charlesren/netpriv/platform"
)

// ErrUnknownLevel 级别名不在平台定义中
var ErrUnknownLevel = errors.New("unknown privilege level")

// Direction 步骤方向
type Direction string

const (
	Escalate   Direction = "escalate"
	Deescalate Direction = "deescalate"
)

// Step 路径上的一次切换
type Step struct {
	Direction    Direction
	From         string
	To           string
	Command      string
	AuthRequired bool
	AuthPrompt   *regexp.Regexp
}

func (s Step) String() string {
	return fmt.Sprintf("%s %s->%s %q", s.Direction, s.From, s.To, s.Command)
}

// Graph 级别树，父子关系按名称查找，不持有指针
type Graph struct {
	def *platform.Definition
}

// NewGraph 定义必须已通过校验，校验保证了单根且无环
func NewGraph(def *platform.Definition) (*Graph, error) {
	if def == nil || !def.Validated() {
		return nil, fmt.Errorf("%w: definition has not been validated", platform.ErrMalformedDefinition)
	}
	return &Graph{def: def}, nil
}

// Definition 返回图所基于的平台定义
func (g *Graph) Definition() *platform.Definition {
	return g.def
}

// Ancestors 返回从根到 name 的祖先链(含两端)
func (g *Graph) Ancestors(name string) ([]string, error) {
	var chain []string
	cur := name
	for i := 0; i <= len(g.def.PrivilegeLevels); i++ {
		lvl, ok := g.def.Level(cur)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownLevel, cur)
		}
		chain = append(chain, cur)
		if lvl.IsRoot() {
			for l, r := 0, len(chain)-1; l < r; l, r = l+1, r-1 {
				chain[l], chain[r] = chain[r], chain[l]
			}
			return chain, nil
		}
		cur = lvl.PreviousPriv
	}
	return nil, fmt.Errorf("%w: previous-priv chain of %q does not reach the root", platform.ErrMalformedDefinition, name)
}

// ComputePath 计算从 current 到 target 的步骤：先降级到最近公共祖先，再逐级升到目标。
// current == target 时返回空路径。
func (g *Graph) ComputePath(current, target string) ([]Step, error) {
	ca, err := g.Ancestors(current)
	if err != nil {
		return nil, err
	}
	ct, err := g.Ancestors(target)
	if err != nil {
		return nil, err
	}

	common := 0
	for common < len(ca) && common < len(ct) && ca[common] == ct[common] {
		common++
	}
	lca := common - 1

	steps := make([]Step, 0, len(ca)+len(ct)-2*common)
	for j := len(ca) - 1; j > lca; j-- {
		lvl, _ := g.def.Level(ca[j])
		steps = append(steps, Step{
			Direction: Deescalate,
			From:      ca[j],
			To:        ca[j-1],
			Command:   lvl.Deescalate,
		})
	}
	for j := lca + 1; j < len(ct); j++ {
		lvl, _ := g.def.Level(ct[j])
		steps = append(steps, Step{
			Direction:    Escalate,
			From:         ct[j-1],
			To:           ct[j],
			Command:      lvl.Escalate,
			AuthRequired: lvl.EscalateAuth,
			AuthPrompt:   lvl.EscalatePromptRe(),
		})
	}
	return steps, nil
}
