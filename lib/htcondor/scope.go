// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package htcondor

import (
	"git.crabdag.org/crabdag.git/sdk/go/classad"
)

// Node types, as stored in the TaskType attribute.
const (
	TaskTypeRoot     = "ROOT"
	TaskTypePrimary  = "Job"
	TaskTypeStageOut = "ASO"
)

// Hold reasons written by kill and resubmit. The status path uses
// KillHoldReason to tell user kills from scheduler holds.
const (
	KillHoldReason     = "Killed by CRAB3 client"
	ResubmitHoldReason = "Restarted by CRAB3 client"
)

// Job ad attribute names shared by the status and control paths.
const (
	AttrTaskType           = "TaskType"
	AttrReqName            = "CRAB_ReqName"
	AttrUserDN             = "CRAB_UserDN"
	AttrAttempt            = "CRAB_Attempt"
	AttrJobCount           = "CRAB_JobCount"
	AttrUnitID             = "CRAB_Id"
	AttrClusterID          = "ClusterId"
	AttrProcID             = "ProcId"
	AttrJobStatus          = "JobStatus"
	AttrExitCode           = "ExitCode"
	AttrHoldReason         = "HoldReason"
	AttrHoldKillSig        = "HoldKillSig"
	AttrDAGManJobID        = "DAGManJobId"
	AttrDAGParentNodeNames = "DAGParentNodeNames"
	AttrOutputSizes        = "OutputSizes"
	AttrOutputPFNs         = "OutputPFNs"
)

// TaskScope identifies a task by name and owner. Every constraint
// built from a TaskScope matches only that owner's nodes.
type TaskScope struct {
	Name   string
	UserDN string
}

func (ts TaskScope) nodes(taskType string) classad.Constraint {
	return classad.Constraint{
		classad.Is(AttrTaskType, classad.String(taskType)),
		classad.Is(AttrReqName, classad.String(ts.Name)),
		classad.Is(AttrUserDN, classad.String(ts.UserDN)),
	}
}

// Root matches the task's root node, first attempt only.
func (ts TaskScope) Root() classad.Constraint {
	return ts.nodes(TaskTypeRoot).And(classad.UndefinedOrEquals(AttrAttempt, classad.Int(0)))
}

// Primary matches the task's primary nodes.
func (ts TaskScope) Primary() classad.Constraint {
	return ts.nodes(TaskTypePrimary)
}

// StageOut matches the task's stage-out nodes.
func (ts TaskScope) StageOut() classad.Constraint {
	return ts.nodes(TaskTypeStageOut)
}

// SubGraph matches the DAGMan job that runs the stage-out sub-graph
// under the given root cluster.
func SubGraph(rootCluster int) classad.Constraint {
	return classad.Constraint{
		classad.Is(AttrDAGManJobID, classad.Int(rootCluster)),
		classad.Is(AttrDAGParentNodeNames, classad.String("JobSplitting")),
	}
}

// Cluster matches every node managed by the given DAGMan cluster.
func Cluster(dagCluster int) classad.Constraint {
	return classad.Constraint{classad.Is(AttrDAGManJobID, classad.Int(dagCluster))}
}

// ClusterID matches a single cluster.
func ClusterID(id int) classad.Constraint {
	return classad.Constraint{classad.Is(AttrClusterID, classad.Int(id))}
}
