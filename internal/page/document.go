package page

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrElementNotFound indicates that no element carries the requested id.
var ErrElementNotFound = errors.New("page: element not found")

// Document is a mutable HTML document addressed by element id. It is safe for
// concurrent use; every mutation overwrites, never appends.
type Document struct {
	mu   sync.RWMutex
	root *html.Node
}

// Parse reads an HTML document.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("page: parse: %w", err)
	}
	return &Document{root: root}, nil
}

// ParseString reads an HTML document from a string.
func ParseString(markup string) (*Document, error) {
	return Parse(strings.NewReader(markup))
}

// Has reports whether an element with id exists.
func (d *Document) Has(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return findByID(d.root, id) != nil
}

// Text returns the text content of the element with id.
func (d *Document) Text(id string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	node := findByID(d.root, id)
	if node == nil {
		return "", false
	}
	var builder strings.Builder
	collectText(node, &builder)
	return builder.String(), true
}

// SetText replaces the children of the element with id by a single text node.
// It reports false when the element does not exist.
func (d *Document) SetText(id, text string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	node := findByID(d.root, id)
	if node == nil {
		return false
	}
	removeChildren(node)
	node.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	return true
}

// Attr returns the attribute key of the element with id.
func (d *Document) Attr(id, key string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	node := findByID(d.root, id)
	if node == nil {
		return "", false
	}
	return attr(node, key)
}

// SetAttr sets attribute key on the element with id. It reports false when the
// element does not exist.
func (d *Document) SetAttr(id, key, value string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	node := findByID(d.root, id)
	if node == nil {
		return false
	}
	setAttr(node, key, value)
	return true
}

// RemoveAttr deletes attribute key from the element with id.
func (d *Document) RemoveAttr(id, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	node := findByID(d.root, id)
	if node == nil {
		return false
	}
	kept := node.Attr[:0]
	for _, attribute := range node.Attr {
		if attribute.Key != key {
			kept = append(kept, attribute)
		}
	}
	node.Attr = kept
	return true
}

// ReplaceChildren swaps every child of the element with id for nodes.
func (d *Document) ReplaceChildren(id string, nodes []*html.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	node := findByID(d.root, id)
	if node == nil {
		return fmt.Errorf("%w: %s", ErrElementNotFound, id)
	}
	removeChildren(node)
	for _, child := range nodes {
		if child.Parent != nil {
			child.Parent.RemoveChild(child)
		}
		node.AppendChild(child)
	}
	return nil
}

// ChildElementCount returns how many element children the element with id has.
func (d *Document) ChildElementCount(id string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	node := findByID(d.root, id)
	if node == nil {
		return 0
	}
	count := 0
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.ElementNode {
			count++
		}
	}
	return count
}

// HTML renders the whole document.
func (d *Document) HTML() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var buffer bytes.Buffer
	if err := html.Render(&buffer, d.root); err != nil {
		return ""
	}
	return buffer.String()
}

// Element builds a detached element node with the given attributes and children.
func Element(tag atom.Atom, attrs map[string]string, children ...*html.Node) *html.Node {
	node := &html.Node{Type: html.ElementNode, DataAtom: tag, Data: tag.String()}
	for key, value := range attrs {
		setAttr(node, key, value)
	}
	for _, child := range children {
		node.AppendChild(child)
	}
	return node
}

// TextNode builds a detached text node.
func TextNode(text string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: text}
}

func findByID(node *html.Node, id string) *html.Node {
	if node == nil || id == "" {
		return nil
	}
	if node.Type == html.ElementNode {
		if value, ok := attr(node, "id"); ok && value == id {
			return node
		}
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if found := findByID(child, id); found != nil {
			return found
		}
	}
	return nil
}

func attr(node *html.Node, key string) (string, bool) {
	for _, attribute := range node.Attr {
		if attribute.Key == key {
			return attribute.Val, true
		}
	}
	return "", false
}

func setAttr(node *html.Node, key, value string) {
	for index := range node.Attr {
		if node.Attr[index].Key == key {
			node.Attr[index].Val = value
			return
		}
	}
	node.Attr = append(node.Attr, html.Attribute{Key: key, Val: value})
}

func removeChildren(node *html.Node) {
	for child := node.FirstChild; child != nil; child = node.FirstChild {
		node.RemoveChild(child)
	}
}

func collectText(node *html.Node, builder *strings.Builder) {
	if node.Type == html.TextNode {
		builder.WriteString(node.Data)
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		collectText(child, builder)
	}
}
