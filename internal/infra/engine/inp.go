package engine

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/hydrotwin/hydrotwin/internal/domain"
)

// ─── INP Backend ────────────────────────────────────────────────────────────
// Parses the EPANET INP sections the core needs ([JUNCTIONS], [RESERVOIRS],
// [TANKS], [PIPES]) and solves a simplified steady state: demands aggregate
// up a spanning tree rooted at the sources, pipe flows carry the aggregated
// downstream demand, and junction heads lose Hazen-Williams friction along
// the tree path. That is deliberately coarser than a full solver, but it is
// self-consistent, deterministic, and cheap enough to re-solve every
// monitoring cycle.

// INPBackend implements Backend for INP-format network definitions.
type INPBackend struct{}

// NewINPBackend returns the INP-file backend.
func NewINPBackend() *INPBackend { return &INPBackend{} }

// Load parses definition and returns a solver for it.
func (b *INPBackend) Load(definition []byte) (Engine, error) {
	net, err := parseINP(definition)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEngineLoad, err)
	}
	if len(net.junctions)+len(net.tanks) == 0 {
		return nil, fmt.Errorf("%w: definition has no nodes", domain.ErrEngineLoad)
	}
	if len(net.reservoirs)+len(net.tanks) == 0 {
		return nil, fmt.Errorf("%w: definition has no supply source", domain.ErrEngineLoad)
	}
	return &inpEngine{net: net}, nil
}

// ─── Parsed model ───────────────────────────────────────────────────────────

type junction struct {
	id        string
	elevation float64
	demand    float64 // base demand, L/s
}

type reservoir struct {
	id   string
	head float64
}

type tank struct {
	id        string
	elevation float64
	level     float64 // current initial level, m above tank bottom
}

type pipe struct {
	id        string
	from, to  string
	length    float64 // m
	diameter  float64 // mm
	roughness float64 // Hazen-Williams C
}

type inpNetwork struct {
	junctions  map[string]*junction
	reservoirs map[string]*reservoir
	tanks      map[string]*tank
	pipes      []*pipe
}

func parseINP(definition []byte) (*inpNetwork, error) {
	net := &inpNetwork{
		junctions:  make(map[string]*junction),
		reservoirs: make(map[string]*reservoir),
		tanks:      make(map[string]*tank),
	}

	section := ""
	scanner := bufio.NewScanner(bytes.NewReader(definition))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") {
			section = strings.ToUpper(strings.Trim(line, "[]"))
			continue
		}

		fields := strings.Fields(line)
		switch section {
		case "JUNCTIONS":
			j := &junction{id: fields[0]}
			if len(fields) > 1 {
				j.elevation = parseFloat(fields[1])
			}
			if len(fields) > 2 {
				j.demand = parseFloat(fields[2])
			}
			net.junctions[j.id] = j
		case "RESERVOIRS":
			if len(fields) < 2 {
				return nil, fmt.Errorf("line %d: reservoir needs a head", lineNo)
			}
			net.reservoirs[fields[0]] = &reservoir{id: fields[0], head: parseFloat(fields[1])}
		case "TANKS":
			if len(fields) < 3 {
				return nil, fmt.Errorf("line %d: tank needs elevation and initial level", lineNo)
			}
			net.tanks[fields[0]] = &tank{
				id:        fields[0],
				elevation: parseFloat(fields[1]),
				level:     parseFloat(fields[2]),
			}
		case "PIPES":
			if len(fields) < 3 {
				return nil, fmt.Errorf("line %d: pipe needs two end nodes", lineNo)
			}
			p := &pipe{id: fields[0], from: fields[1], to: fields[2], length: 100, diameter: 300, roughness: 130}
			if len(fields) > 3 {
				p.length = parseFloat(fields[3])
			}
			if len(fields) > 4 {
				p.diameter = parseFloat(fields[4])
			}
			if len(fields) > 5 {
				p.roughness = parseFloat(fields[5])
			}
			net.pipes = append(net.pipes, p)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return net, nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// ─── Solver ─────────────────────────────────────────────────────────────────

type inpEngine struct {
	net    *inpNetwork
	closed bool

	pressures map[string]float64
	flows     map[string]float64
	levels    map[string]float64
}

func (e *inpEngine) SolveComplete() error {
	if e.closed {
		return domain.ErrEngineClosed
	}

	// Source hydraulic grade: reservoirs contribute their head, tanks their
	// water surface (elevation + level).
	sourceHead := make(map[string]float64)
	for id, r := range e.net.reservoirs {
		sourceHead[id] = r.head
	}
	for id, t := range e.net.tanks {
		sourceHead[id] = t.elevation + t.level
	}

	// Breadth-first spanning tree from all sources. tree[n].via is the
	// pipe that feeds node n in the tree.
	adj := make(map[string][]*pipe)
	for _, p := range e.net.pipes {
		adj[p.from] = append(adj[p.from], p)
		adj[p.to] = append(adj[p.to], p)
	}

	type treeNode struct {
		parent string
		via    *pipe
	}
	tree := make(map[string]treeNode)
	var frontier []string
	for id := range sourceHead {
		tree[id] = treeNode{}
		frontier = append(frontier, id)
	}
	sort.Strings(frontier) // deterministic traversal order
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, p := range adj[cur] {
			next := p.to
			if next == cur {
				next = p.from
			}
			if _, seen := tree[next]; seen {
				continue
			}
			tree[next] = treeNode{parent: cur, via: p}
			frontier = append(frontier, next)
		}
	}

	// Aggregate demands up the tree: each tree pipe carries the sum of
	// demands in the subtree it feeds.
	subDemand := make(map[string]float64)
	var nodes []string
	for id := range tree {
		nodes = append(nodes, id)
		if j, ok := e.net.junctions[id]; ok {
			subDemand[id] = j.demand
		}
	}
	// Process leaves-first by repeatedly folding children into parents.
	// Depth ordering via repeated passes is fine at network scale.
	depth := func(id string) int {
		d := 0
		for tree[id].via != nil {
			id = tree[id].parent
			d++
		}
		return d
	}
	sort.Slice(nodes, func(i, j int) bool { return depth(nodes[i]) > depth(nodes[j]) })

	flows := make(map[string]float64)
	for _, p := range e.net.pipes {
		flows[p.id] = 0
	}
	carried := make(map[string]float64)
	for id := range subDemand {
		carried[id] = subDemand[id]
	}
	for _, id := range nodes {
		tn := tree[id]
		if tn.via == nil {
			continue
		}
		flows[tn.via.id] += carried[id]
		carried[tn.parent] += carried[id]
	}

	// Heads: walk down from the source losing friction head per tree pipe.
	head := make(map[string]float64)
	var resolveHead func(id string) float64
	resolveHead = func(id string) float64 {
		if h, ok := head[id]; ok {
			return h
		}
		tn := tree[id]
		if tn.via == nil {
			head[id] = sourceHead[id]
			return head[id]
		}
		h := resolveHead(tn.parent) - hazenWilliamsLoss(tn.via, flows[tn.via.id])
		head[id] = h
		return h
	}

	pressures := make(map[string]float64)
	levels := make(map[string]float64)
	for id, j := range e.net.junctions {
		if _, reachable := tree[id]; !reachable {
			pressures[id] = 0
			continue
		}
		pressures[id] = resolveHead(id) - j.elevation
	}
	for id, t := range e.net.tanks {
		pressures[id] = t.level
		levels[id] = t.level
	}

	e.pressures = pressures
	e.flows = flows
	e.levels = levels
	return nil
}

// hazenWilliamsLoss returns the friction head loss over a pipe carrying
// flow q (L/s), using the SI Hazen-Williams form with diameter in meters.
func hazenWilliamsLoss(p *pipe, q float64) float64 {
	if q <= 0 || p.diameter <= 0 || p.roughness <= 0 {
		return 0
	}
	qm := q / 1000.0      // L/s → m³/s
	d := p.diameter / 1000.0 // mm → m
	return 10.67 * p.length * math.Pow(qm, 1.852) /
		(math.Pow(p.roughness, 1.852) * math.Pow(d, 4.87))
}

func (e *inpEngine) Junctions() []string { return sortedKeys(e.net.junctions) }
func (e *inpEngine) Tanks() []string     { return sortedKeys(e.net.tanks) }

func (e *inpEngine) Pipes() []string {
	ids := make([]string, 0, len(e.net.pipes))
	for _, p := range e.net.pipes {
		ids = append(ids, p.id)
	}
	sort.Strings(ids)
	return ids
}

func (e *inpEngine) Pressures() map[string]float64 { return copyMap(e.pressures) }
func (e *inpEngine) Flows() map[string]float64     { return copyMap(e.flows) }

func (e *inpEngine) TankInitialLevels() map[string]float64 { return copyMap(e.levels) }

func (e *inpEngine) Elevations() map[string]float64 {
	out := make(map[string]float64, len(e.net.junctions)+len(e.net.tanks))
	for id, j := range e.net.junctions {
		out[id] = j.elevation
	}
	for id, t := range e.net.tanks {
		out[id] = t.elevation
	}
	return out
}

func (e *inpEngine) SetTankInitialLevel(locationID string, level float64) error {
	if e.closed {
		return domain.ErrEngineClosed
	}
	t, ok := e.net.tanks[locationID]
	if !ok {
		if _, isNode := e.net.junctions[locationID]; isNode {
			return fmt.Errorf("%w: %s", domain.ErrNotATank, locationID)
		}
		return fmt.Errorf("%w: %s", domain.ErrUnknownLocation, locationID)
	}
	t.level = level
	return nil
}

func (e *inpEngine) Close() error {
	e.closed = true
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
