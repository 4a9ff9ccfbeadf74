package menu

import (
	"fmt"
	"sort"
	"strings"

	"github.com/odyssey-erp/menuauthz/internal/shared"
)

var (
	// ErrCycle indicates a parent chain that loops back on itself.
	ErrCycle = fmt.Errorf("%w: menu: parent cycle", shared.ErrConfiguration)
	// ErrDuplicateItem indicates two catalog entries sharing one id.
	ErrDuplicateItem = fmt.Errorf("%w: menu: duplicate item id", shared.ErrConfiguration)
)

// Assemble builds the ordered tree from a flat item set. An item whose parent is
// not part of items becomes a root. Siblings are ordered by Order, then ID.
func Assemble(items []Item) (Tree, error) {
	index, err := indexItems(items)
	if err != nil {
		return Tree{}, err
	}
	if err := checkCycles(items, index); err != nil {
		return Tree{}, err
	}

	nodes := make(map[string]*Node, len(items))
	for _, item := range items {
		nodes[item.ID] = &Node{Item: item}
	}
	var roots []*Node
	for _, item := range items {
		node := nodes[item.ID]
		parent, ok := nodes[item.ParentID]
		if item.ParentID == "" || !ok {
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}
	sortLevel(roots)
	if roots == nil {
		roots = []*Node{}
	}
	return Tree{Roots: roots}, nil
}

// ValidateHierarchy checks a whole catalog for duplicate ids and parent cycles.
// Dangling parent references are allowed.
func ValidateHierarchy(items []Item) error {
	index, err := indexItems(items)
	if err != nil {
		return err
	}
	return checkCycles(items, index)
}

func indexItems(items []Item) (map[string]Item, error) {
	index := make(map[string]Item, len(items))
	for _, item := range items {
		if _, dup := index[item.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateItem, item.ID)
		}
		index[item.ID] = item
	}
	return index, nil
}

// checkCycles walks each parent chain once, remembering nodes already proven acyclic.
func checkCycles(items []Item, index map[string]Item) error {
	clean := make(map[string]bool, len(items))
	for _, item := range items {
		var path []string
		onPath := make(map[string]int)
		id := item.ID
		for id != "" && !clean[id] {
			if pos, seen := onPath[id]; seen {
				chain := append(append([]string{}, path[pos:]...), id)
				return fmt.Errorf("%w: %s", ErrCycle, strings.Join(chain, " -> "))
			}
			onPath[id] = len(path)
			path = append(path, id)
			current, ok := index[id]
			if !ok {
				break
			}
			id = current.ParentID
		}
		for _, p := range path {
			clean[p] = true
		}
	}
	return nil
}

func sortLevel(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Order != nodes[j].Order {
			return nodes[i].Order < nodes[j].Order
		}
		return nodes[i].ID < nodes[j].ID
	})
	for _, n := range nodes {
		sortLevel(n.Children)
	}
}
