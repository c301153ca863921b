package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/bytecare/supportflow/types"
)

// Handler 单个节点的执行器：纯函数 (state, config) -> 增量更新。
// 节点内部失败应自行降级（fail-open）并返回保守的 Update；
// 返回 error 仅用于记录，不会中断图的推进。
type Handler interface {
	Kind() NodeKind
	Execute(ctx context.Context, st *State) (*Update, error)
}

// HandlerFactory 按节点构造 Handler，编译器对 Kind 分发。
type HandlerFactory interface {
	Build(node Node) (Handler, error)
}

type condEdge struct {
	expr   *Expr
	target string
}

// route 一个源节点的路由决策表
type route struct {
	// direct 非空表示单一无条件直连边，跳过表达式求值
	direct string
	// conditional 按定义数组序求值，取首个为真
	conditional []condEdge
	// fallback 条件都不命中时的无条件兜底边，空表示路由到终态
	fallback string
}

// Compiled 编译产物：可执行状态机（节点处理器 + 路由表）。编译后不可变。
type Compiled struct {
	ID   string
	Name string

	entry     string // START 唯一出边指向的节点
	kinds     map[string]NodeKind
	handlers  map[string]Handler
	routes    map[string]route
	nodeCount int

	logger *zap.Logger
}

// Compile 校验定义结构并装配可执行图。
//
// 硬性失败（返回 StructuralError，禁止入缓存）：START 数量不为一、无 END、
// END 不可达、START 出边非"恰好一条且无条件"、条件表达式非法、未知节点类型。
// 软性降级（warning）：不可达节点剔除、悬空边静默丢弃。
func Compile(def *Definition, factory HandlerFactory, logger *zap.Logger) (*Compiled, error) {
	log := logger.With(zap.String("component", "workflow_compiler"), zap.String("workflow", def.ID))

	nodes := make(map[string]Node, len(def.Nodes))
	var startID string
	startCount, endCount := 0, 0
	for _, n := range def.Nodes {
		if _, dup := nodes[n.ID]; dup {
			log.Warn("duplicate node id, keeping first occurrence", zap.String("node", n.ID))
			continue
		}
		nodes[n.ID] = n
		switch n.Kind {
		case KindStart:
			startCount++
			startID = n.ID
		case KindEnd:
			endCount++
		}
	}

	if startCount == 0 {
		return nil, types.NewError(types.ErrNoStart, "workflow has no start node")
	}
	if startCount > 1 {
		return nil, types.NewError(types.ErrMultipleStart,
			fmt.Sprintf("workflow has %d start nodes", startCount))
	}
	if endCount == 0 {
		return nil, types.NewError(types.ErrNoEnd, "workflow has no end node")
	}

	// BFS 可达性遍历
	adjacency := make(map[string][]string)
	for _, e := range def.Edges {
		if _, ok := nodes[e.Source]; !ok {
			continue
		}
		if _, ok := nodes[e.Target]; !ok {
			continue
		}
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
	}

	reachable := map[string]bool{startID: true}
	queue := []string{startID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[cur] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	endReachable := false
	for id, n := range nodes {
		if n.Kind == KindEnd && reachable[id] {
			endReachable = true
		}
		if !reachable[id] {
			// 容忍编排残留：剔除但不阻断
			log.Warn("unreachable node excluded from compiled graph",
				zap.String("node", id), zap.String("kind", string(n.Kind)))
		}
	}
	if !endReachable {
		return nil, types.NewError(types.ErrNoReachableEnd, "no end node reachable from start")
	}

	// 只接线两端都可达的边，与剔除不可达节点保持一致
	wired := make([]Edge, 0, len(def.Edges))
	for _, e := range def.Edges {
		if reachable[e.Source] && reachable[e.Target] {
			wired = append(wired, e)
		}
	}

	// START 出边：恰好一条且无条件
	var startEdges []Edge
	for _, e := range wired {
		if e.Source == startID {
			startEdges = append(startEdges, e)
		}
	}
	if len(startEdges) != 1 || startEdges[0].Condition != "" {
		return nil, types.NewError(types.ErrInvalidStartEdges,
			fmt.Sprintf("start node must have exactly one unconditional outgoing edge, got %d", len(startEdges)))
	}

	c := &Compiled{
		ID:       def.ID,
		Name:     def.Name,
		entry:    startEdges[0].Target,
		kinds:    make(map[string]NodeKind),
		handlers: make(map[string]Handler),
		routes:   make(map[string]route),
		logger:   log,
	}

	outgoing := make(map[string][]Edge)
	for _, e := range wired {
		if e.Source == startID {
			continue
		}
		outgoing[e.Source] = append(outgoing[e.Source], e)
	}

	for id, n := range nodes {
		if !reachable[id] {
			continue
		}
		c.kinds[id] = n.Kind
		c.nodeCount++

		if n.Kind != KindStart && n.Kind != KindEnd {
			if !KnownKind(n.Kind) {
				return nil, types.NewError(types.ErrUnknownNodeKind,
					fmt.Sprintf("node %s has unknown kind %q", id, n.Kind))
			}
			h, err := factory.Build(n)
			if err != nil {
				return nil, types.NewError(types.ErrUnknownNodeKind,
					fmt.Sprintf("build handler for node %s", id)).WithCause(err)
			}
			c.handlers[id] = h
		}

		r, err := buildRoute(id, outgoing[id], log)
		if err != nil {
			return nil, err
		}
		c.routes[id] = r
	}

	log.Info("workflow compiled",
		zap.String("name", def.Name),
		zap.Int("nodes", c.nodeCount),
		zap.Int("edges", len(wired)))
	return c, nil
}

// buildRoute 装配一个源节点的路由。单一无条件边接为直连；
// 多出边或任一条件边接为条件路由器：条件边按数组序取首个为真，
// 都不命中时回退到无条件边，没有则路由到终态。
func buildRoute(nodeID string, edges []Edge, log *zap.Logger) (route, error) {
	var conditional []condEdge
	var unconditional []string

	for _, e := range edges {
		if e.Condition == "" {
			unconditional = append(unconditional, e.Target)
			continue
		}
		expr, err := ParseCondition(e.Condition)
		if err != nil {
			return route{}, err
		}
		conditional = append(conditional, condEdge{expr: expr, target: e.Target})
	}

	if len(conditional) == 0 && len(unconditional) == 1 {
		return route{direct: unconditional[0]}, nil
	}

	r := route{conditional: conditional}
	if len(unconditional) > 0 {
		r.fallback = unconditional[0]
		if len(unconditional) > 1 {
			log.Warn("multiple unconditional edges, using first as fallback",
				zap.String("node", nodeID))
		}
	}
	return r, nil
}

// Entry 返回 START 之后的第一个节点。
func (c *Compiled) Entry() string { return c.entry }

// NodeCount 返回编译图中的节点数（含 start/end）。
func (c *Compiled) NodeCount() int { return c.nodeCount }

// next 路由决策：返回下一节点 id，空串表示路由到终态。
func (c *Compiled) next(nodeID string, bag map[string]any) string {
	r, ok := c.routes[nodeID]
	if !ok {
		return ""
	}
	if r.direct != "" {
		return r.direct
	}
	for _, ce := range r.conditional {
		if ce.expr.Eval(bag) {
			return ce.target
		}
	}
	return r.fallback
}

// Run 沿编译图推进状态直到 END 或终态，返回终端文本（空串表示本轮无回复）。
// 节点错误只记录不传播；访问次数超出上界（防环）时终止本次推进。
func (c *Compiled) Run(ctx context.Context, st *State) string {
	maxVisits := 4 * c.nodeCount
	if maxVisits < 64 {
		maxVisits = 64
	}

	cur := c.entry
	for visits := 0; cur != ""; visits++ {
		if visits >= maxVisits {
			c.logger.Warn("node visit bound exceeded, terminating walk",
				zap.Int("max_visits", maxVisits), zap.String("node", cur))
			break
		}
		if c.kinds[cur] == KindEnd {
			break
		}

		if h, ok := c.handlers[cur]; ok {
			upd, err := h.Execute(ctx, st)
			if err != nil {
				// 节点内部已做保守降级，这里只记录
				c.logger.Warn("node execution degraded",
					zap.String("node", cur),
					zap.String("kind", string(c.kinds[cur])),
					zap.Error(err))
			}
			st.Apply(upd)
		}

		cur = c.next(cur, st.Bag())
	}
	return st.Response
}
