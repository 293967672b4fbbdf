// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dagman compiles a task and its work units into a DAGMan
// job graph, and renders the graph and its submit descriptions.
package dagman

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"git.crabdag.org/crabdag.git/lib/htcondor"
	"git.crabdag.org/crabdag.git/sdk/go/classad"
	"git.crabdag.org/crabdag.git/sdk/go/crab"
)

// Kind is the kind of a graph node. Its value is stored in the
// TaskType attribute of the node's jobs.
type Kind string

const (
	KindRoot     Kind = htcondor.TaskTypeRoot
	KindPrimary  Kind = htcondor.TaskTypePrimary
	KindStageOut Kind = htcondor.TaskTypeStageOut
)

// PermanentFailureExitCode is the exit code a primary job uses to
// stop DAGMan from retrying it.
const PermanentFailureExitCode = 2

// Retry is a node's retry policy.
type Retry struct {
	Max int
	// If non-zero, DAGMan stops retrying when the node exits
	// with this code.
	UnlessExit int
}

// Var is a per-node macro binding (a DAGMan VARS entry).
type Var struct {
	Name  string
	Value string
}

// Node is a single node of the compiled graph.
type Node struct {
	Name   string
	ID     int
	Kind   Kind
	Submit string
	Retry  Retry

	Parent   string
	Children []string
	Vars     []Var

	// Pre and Post are the node's script command lines.
	Pre     []string
	Post    []string
	PreSkip int

	// Attrs carries the root node's identity attributes.
	Attrs classad.Ad
}

// Unit is the compiled form of one work unit.
type Unit struct {
	ID         int
	Sites      []string
	InputFiles []string
	Mask       crab.LumiMask
	// LocalOutputs and RemoteOutputs are parallel lists.
	LocalOutputs  []string
	RemoteOutputs []string
	// Remap has one "<local>?remoteName=<remote>" entry per
	// output.
	Remap []string
}

// Graph is a compiled task.
type Graph struct {
	Task  *crab.Task
	Root  *Node
	Nodes []*Node
	Units []Unit
	// Info is the task attribute set, in SubmitInfo order.
	Info classad.Ad
}

// PrimaryName returns the name of unit id's primary node.
func PrimaryName(id int) string { return "Job" + strconv.Itoa(id) }

// StageOutName returns the name of unit id's stage-out node.
func StageOutName(id int) string { return "ASO" + strconv.Itoa(id) }

// RemoteName returns the name under which unit id stores the output
// file name: "out.root" becomes "out_<id>.root", and a name with no
// extension gets "_<id>" appended.
func RemoteName(name string, id int) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return fmt.Sprintf("%s_%d.%s", name[:i], id, name[i+1:])
	}
	return fmt.Sprintf("%s_%d", name, id)
}

// Node returns the named node, or nil.
func (g *Graph) Node(name string) *Node {
	if g.Root != nil && g.Root.Name == name {
		return g.Root
	}
	for _, n := range g.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// LastID returns the highest unit id in the graph, or 0.
func (g *Graph) LastID() int {
	if len(g.Units) == 0 {
		return 0
	}
	return g.Units[len(g.Units)-1].ID
}

// availableSites returns the sorted candidate sites for a group.
func availableSites(task *crab.Task, group *crab.WorkUnitGroup) []string {
	set := map[string]bool{}
	if len(task.SiteWhitelist) > 0 {
		for _, site := range task.SiteWhitelist {
			set[site] = true
		}
	} else {
		for _, site := range group.SiteCandidates() {
			set[site] = true
		}
		for _, site := range task.SiteBlacklist {
			delete(set, site)
		}
	}
	sites := make([]string, 0, len(set))
	for site := range set {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	return sites
}

// Compile builds the graph for task. Unit ids start at startID+1 and
// increase by one across all groups. The task is not modified.
func Compile(task *crab.Task, groups []crab.WorkUnitGroup, startID int) (*Graph, error) {
	if err := crab.ValidateTaskName(task.Name); err != nil {
		return nil, err
	}
	if task.UserDN == "" {
		return nil, crab.Errorf(crab.InvalidTask, task.Name, "task has no owner DN")
	}
	info, err := TaskInfo(task)
	if err != nil {
		return nil, err
	}
	g := &Graph{Task: task, Info: info}
	outputs := task.OutputFiles()
	id := startID
	for gi := range groups {
		group := &groups[gi]
		sites := availableSites(task, group)
		if len(sites) == 0 {
			return nil, crab.Errorf(crab.NoAvailableSite, task.Name, "no site available for submission of task %s", task.Name)
		}
		for ui := range group.Units {
			id++
			unit := &group.Units[ui]
			u := Unit{
				ID:         id,
				Sites:      sites,
				InputFiles: unit.LFNs(),
				Mask:       unit.Mask,
			}
			for _, local := range outputs {
				remote := RemoteName(local, id)
				u.LocalOutputs = append(u.LocalOutputs, local)
				u.RemoteOutputs = append(u.RemoteOutputs, remote)
				u.Remap = append(u.Remap, local+"?remoteName="+remote)
			}
			primary, stageout, err := g.unitNodes(&u)
			if err != nil {
				return nil, err
			}
			g.Units = append(g.Units, u)
			g.Nodes = append(g.Nodes, primary, stageout)
		}
	}
	g.Root = g.rootNode()
	return g, nil
}

// varsEscape quotes a JSON value for a VARS binding whose value ends
// up inside a new-style Arguments string, where a literal double
// quote is written "".
func varsEscape(s string) string {
	return strings.ReplaceAll(s, `"`, `\"\"`)
}

func (g *Graph) unitNodes(u *Unit) (*Node, *Node, error) {
	task := g.Task
	inputs, err := jsonString(u.InputFiles)
	if err != nil {
		return nil, nil, err
	}
	mask := u.Mask
	if mask == nil {
		mask = crab.LumiMask{}
	}
	maskJSON, err := jsonString(mask)
	if err != nil {
		return nil, nil, err
	}
	remoteOutputs := strings.Join(u.RemoteOutputs, " ")
	primary := &Node{
		Name:   PrimaryName(u.ID),
		ID:     u.ID,
		Kind:   KindPrimary,
		Submit: JobSubmitFile,
		Retry:  Retry{Max: 3, UnlessExit: PermanentFailureExitCode},
		Pre:    []string{BootstrapScript, "PREJOB", "$RETRY", "$JOB"},
		Post: append([]string{BootstrapScript, "POSTJOB", "$RETURN", "$RETRY", "$MAX_RETRIES",
			task.Name, strconv.Itoa(u.ID), task.PublishName, task.JobSW, task.AsyncDest,
			task.TempDest(), task.OutputDest(), fmt.Sprintf("cmsRun_%d.log.tar.gz", u.ID)},
			u.RemoteOutputs...),
		PreSkip:  3,
		Children: []string{StageOutName(u.ID)},
		Vars: []Var{
			{"count", strconv.Itoa(u.ID)},
			{"runAndLumiMask", varsEscape(maskJSON)},
			{"inputFiles", varsEscape(inputs)},
			{"+DESIRED_Sites", `\"` + strings.Join(u.Sites, ", ") + `\"`},
			{"+CRAB_localOutputFiles", `\"` + strings.Join(u.Remap, ", ") + `\"`},
		},
	}
	stageout := &Node{
		Name:   StageOutName(u.ID),
		ID:     u.ID,
		Kind:   KindStageOut,
		Submit: ASOSubmitFile,
		Retry:  Retry{Max: 3},
		Parent: primary.Name,
		Vars: []Var{
			{"count", strconv.Itoa(u.ID)},
			{"outputFiles", remoteOutputs},
		},
	}
	return primary, stageout, nil
}

func (g *Graph) rootNode() *Node {
	root := &Node{
		Name:   g.Task.Name,
		Kind:   KindRoot,
		Submit: RootSubmitFile,
	}
	root.Attrs.Set(htcondor.AttrTaskType, classad.String(htcondor.TaskTypeRoot))
	root.Attrs.Set(htcondor.AttrReqName, classad.String(g.Task.Name))
	root.Attrs.Set(htcondor.AttrUserDN, classad.String(g.Task.UserDN))
	root.Attrs.Set(htcondor.AttrJobCount, classad.Int(len(g.Units)))
	for _, n := range g.Nodes {
		if n.Kind == KindPrimary {
			root.Children = append(root.Children, n.Name)
		}
	}
	return root
}
