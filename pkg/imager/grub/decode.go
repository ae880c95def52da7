// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package grub

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
)

var (
	blockRegex   = regexp.MustCompile(`^(menuentry|submenu)\s+"(.*?)"(?:\s+--class\s+(\S+))?\s*\{$`)
	searchRegex  = regexp.MustCompile(`^search\s+.*--file\s+(\S+)$`)
	timeoutRegex = regexp.MustCompile(`^set timeout=(-?\d+)$`)
	linuxRegex   = regexp.MustCompile(`^linux\s+(\S+)\s*(.*)$`)
	initrdRegex  = regexp.MustCompile(`^initrd\s+(\S+)$`)
)

// Node kinds.
const (
	KindMenuEntry = "menuentry"
	KindSubmenu   = "submenu"
)

// Node is a menuentry or a submenu of a parsed menu config.
type Node struct {
	Kind     string
	Title    string
	Class    string
	Linux    string
	Cmdline  string
	Initrd   string
	Commands []string
	Children []*Node
}

// Outline is the structure of a menu config.
type Outline struct {
	MarkerPath string
	Timeout    string
	Hidden     bool
	Fonts      []string
	Modules    []string
	Nodes      []*Node
}

// Read reads the menu config from the disk.
func Read(path string) (*Outline, error) {
	c, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Decode(c)
}

// Decode parses the menu config from the given bytes.
//
// Only the constructs emitted by Encode are understood.
//
//nolint:gocyclo
func Decode(c []byte) (*Outline, error) {
	var (
		outline Outline
		stack   []*Node
		ifDepth int
	)

	scanner := bufio.NewScanner(bytes.NewReader(c))
	lineNo := 0

	for scanner.Scan() {
		lineNo++

		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if m := blockRegex.FindStringSubmatch(line); m != nil {
			node := &Node{Kind: m[1], Title: m[2], Class: m[3]}

			if len(stack) == 0 {
				outline.Nodes = append(outline.Nodes, node)
			} else {
				parent := stack[len(stack)-1]

				if parent.Kind != KindSubmenu {
					return nil, fmt.Errorf("line %d: %s nested in a menuentry", lineNo, m[1])
				}

				parent.Children = append(parent.Children, node)
			}

			stack = append(stack, node)

			continue
		}

		switch {
		case strings.HasPrefix(line, "if "):
			ifDepth++

			continue
		case line == "fi":
			if ifDepth == 0 {
				return nil, fmt.Errorf("line %d: unexpected fi", lineNo)
			}

			ifDepth--

			continue
		case line == "else":
			continue
		case line == "}":
			if len(stack) == 0 {
				return nil, fmt.Errorf("line %d: unbalanced braces", lineNo)
			}

			stack = stack[:len(stack)-1]

			continue
		}

		if len(stack) > 0 {
			node := stack[len(stack)-1]

			switch {
			case linuxRegex.MatchString(line):
				m := linuxRegex.FindStringSubmatch(line)
				node.Linux, node.Cmdline = m[1], m[2]
			case initrdRegex.MatchString(line):
				node.Initrd = initrdRegex.FindStringSubmatch(line)[1]
			default:
				node.Commands = append(node.Commands, line)
			}

			continue
		}

		switch {
		case searchRegex.MatchString(line):
			outline.MarkerPath = searchRegex.FindStringSubmatch(line)[1]
		case timeoutRegex.MatchString(line):
			outline.Timeout = timeoutRegex.FindStringSubmatch(line)[1]
		case line == "set timeout_style=hidden":
			outline.Hidden = true
		case strings.HasPrefix(line, "loadfont "):
			outline.Fonts = append(outline.Fonts, strings.TrimPrefix(line, "loadfont "))
		case strings.HasPrefix(line, "insmod "):
			module := strings.TrimPrefix(line, "insmod ")

			if !slices.Contains(outline.Modules, module) {
				outline.Modules = append(outline.Modules, module)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(stack) > 0 || ifDepth > 0 {
		return nil, errors.New("unterminated block at end of config")
	}

	return &outline, nil
}

// Entries returns the top-level menuentries.
func (o *Outline) Entries() []*Node {
	return o.filter(KindMenuEntry)
}

// Submenus returns the top-level submenus.
func (o *Outline) Submenus() []*Node {
	return o.filter(KindSubmenu)
}

func (o *Outline) filter(kind string) []*Node {
	var nodes []*Node

	for _, node := range o.Nodes {
		if node.Kind == kind {
			nodes = append(nodes, node)
		}
	}

	return nodes
}

// String renders the outline as an indented tree of titles.
func (o *Outline) String() string {
	var sb strings.Builder

	var walk func(nodes []*Node, depth int)

	walk = func(nodes []*Node, depth int) {
		for _, node := range nodes {
			fmt.Fprintf(&sb, "%s%s %q\n", strings.Repeat("  ", depth), node.Kind, node.Title)

			walk(node.Children, depth+1)
		}
	}

	walk(o.Nodes, 0)

	return sb.String()
}
