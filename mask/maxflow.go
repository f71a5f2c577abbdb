package mask

const flowEps = 1e-9

// flowGraph s-t 流网络，Dinic 求最大流；弧成对存放，e^1 为反向弧
type flowGraph struct {
	source, sink int32

	head []int32
	next []int32
	to   []int32
	cap  []float64

	level []int32
	iter  []int32
	queue []int32
}

// newFlowGraph nodes 为普通节点数，另外追加 source 与 sink 两个节点
func newFlowGraph(nodes, arcHint int) *flowGraph {
	n := nodes + 2
	g := &flowGraph{
		source: int32(nodes),
		sink:   int32(nodes + 1),
		head:   make([]int32, n),
		next:   make([]int32, 0, arcHint),
		to:     make([]int32, 0, arcHint),
		cap:    make([]float64, 0, arcHint),
		level:  make([]int32, n),
		iter:   make([]int32, n),
		queue:  make([]int32, 0, n),
	}
	for i := range g.head {
		g.head[i] = -1
	}
	return g
}

// addEdge 添加 u->v 容量 c、v->u 容量 rc 的一对弧
func (g *flowGraph) addEdge(u, v int32, c, rc float64) {
	g.to = append(g.to, v)
	g.cap = append(g.cap, c)
	g.next = append(g.next, g.head[u])
	g.head[u] = int32(len(g.to) - 1)

	g.to = append(g.to, u)
	g.cap = append(g.cap, rc)
	g.next = append(g.next, g.head[v])
	g.head[v] = int32(len(g.to) - 1)
}

// addTerminal 设置节点的 t-link；两边同时减去较小值，只保留差值，允许负的能量项
func (g *flowGraph) addTerminal(v int32, fromSource, toSink float64) {
	m := fromSource
	if toSink < m {
		m = toSink
	}
	fromSource -= m
	toSink -= m
	if fromSource > flowEps {
		g.addEdge(g.source, v, fromSource, 0)
	}
	if toSink > flowEps {
		g.addEdge(v, g.sink, toSink, 0)
	}
}

func (g *flowGraph) bfs() bool {
	for i := range g.level {
		g.level[i] = -1
	}
	g.queue = g.queue[:0]
	g.level[g.source] = 0
	g.queue = append(g.queue, g.source)
	for qi := 0; qi < len(g.queue); qi++ {
		u := g.queue[qi]
		for e := g.head[u]; e != -1; e = g.next[e] {
			v := g.to[e]
			if g.cap[e] > flowEps && g.level[v] < 0 {
				g.level[v] = g.level[u] + 1
				g.queue = append(g.queue, v)
			}
		}
	}
	return g.level[g.sink] >= 0
}

func (g *flowGraph) dfs(u int32, f float64) float64 {
	if u == g.sink {
		return f
	}
	for ; g.iter[u] != -1; g.iter[u] = g.next[g.iter[u]] {
		e := g.iter[u]
		v := g.to[e]
		if g.cap[e] <= flowEps || g.level[v] != g.level[u]+1 {
			continue
		}
		c := f
		if g.cap[e] < c {
			c = g.cap[e]
		}
		if d := g.dfs(v, c); d > flowEps {
			g.cap[e] -= d
			g.cap[e^1] += d
			return d
		}
	}
	return 0
}

// maxFlow 返回最大流；结束后 inSourceSegment 给出最小割的源点一侧
func (g *flowGraph) maxFlow() float64 {
	var flow float64
	for g.bfs() {
		copy(g.iter, g.head)
		for {
			f := g.dfs(g.source, inf)
			if f <= flowEps {
				break
			}
			flow += f
		}
	}
	return flow
}

// inSourceSegment 最后一次 BFS 的层次即残量网络中从源点可达的节点
func (g *flowGraph) inSourceSegment(v int32) bool {
	return g.level[v] >= 0
}
