package registry

import (
	"strings"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

// treeNode 主题订阅树节点，只索引通配符过滤器
type treeNode struct {
	level string

	// 直接子节点，"+" 也作为子节点保存
	children map[string]*treeNode

	// 以当前路径结尾的过滤器（如 "sport/+/live"）
	filter string
	// 当前路径加 "/#" 的过滤器（如 "sport/#"）
	hashFilter string
}

func newTreeNode(level string) *treeNode {
	return &treeNode{level: level, children: map[string]*treeNode{}}
}

func (n *treeNode) empty() bool {
	return n.filter == "" && n.hashFilter == "" && len(n.children) == 0
}

type topicTree struct {
	root *treeNode
}

func newTopicTree() *topicTree {
	return &topicTree{root: newTreeNode("")}
}

func (t *topicTree) insert(filter string) {
	levels := strings.Split(filter, mqtt.TopicSeparator)
	node := t.root
	for i, level := range levels {
		if level == mqtt.MultiLevelWildcard && i == len(levels)-1 {
			node.hashFilter = filter
			return
		}
		child, ok := node.children[level]
		if !ok {
			child = newTreeNode(level)
			node.children[level] = child
		}
		node = child
	}
	node.filter = filter
}

func (t *topicTree) remove(filter string) {
	levels := strings.Split(filter, mqtt.TopicSeparator)
	path := []*treeNode{t.root}
	node := t.root
	for i, level := range levels {
		if level == mqtt.MultiLevelWildcard && i == len(levels)-1 {
			node.hashFilter = ""
			t.prune(path, levels[:i])
			return
		}
		child, ok := node.children[level]
		if !ok {
			return
		}
		node = child
		path = append(path, node)
	}
	node.filter = ""
	t.prune(path, levels)
}

// prune 自底向上删除空节点，path[i+1] 是 path[i] 在 levels[i] 上的子节点
func (t *topicTree) prune(path []*treeNode, levels []string) {
	for i := len(path) - 1; i > 0; i-- {
		if !path[i].empty() {
			return
		}
		delete(path[i-1].children, levels[i-1])
	}
}

// match 按层广度优先遍历，返回匹配 topic 的通配符过滤器
func (t *topicTree) match(topic string) []string {
	levels := strings.Split(topic, mqtt.TopicSeparator)
	// 以 $ 开头的主题不匹配首层通配符
	system := strings.HasPrefix(topic, "$")

	var results []string
	queue := []*treeNode{t.root}

	for i, level := range levels {
		wildcards := !(i == 0 && system)
		var next []*treeNode

		for _, node := range queue {
			if wildcards && node.hashFilter != "" {
				results = append(results, node.hashFilter)
			}
			if child, ok := node.children[level]; ok {
				next = append(next, child)
			}
			if !wildcards {
				continue
			}
			if plus, ok := node.children[mqtt.SingleLevelWildcard]; ok && level != mqtt.SingleLevelWildcard {
				next = append(next, plus)
			}
		}

		queue = next
		if len(queue) == 0 {
			return results
		}
	}

	// "sport/#" 同时匹配 "sport"
	for _, node := range queue {
		if node.filter != "" {
			results = append(results, node.filter)
		}
		if node.hashFilter != "" {
			results = append(results, node.hashFilter)
		}
	}
	return results
}
