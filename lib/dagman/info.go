// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dagman

import (
	"encoding/json"

	"git.crabdag.org/crabdag.git/sdk/go/classad"
	"git.crabdag.org/crabdag.git/sdk/go/crab"
)

// SubmitInfo lists the task attributes carried by every submit
// description, in order.
var SubmitInfo = []string{
	"CRAB_Workflow",
	"CRAB_ReqName",
	"CRAB_JobType",
	"CRAB_JobSW",
	"CRAB_JobArch",
	"CRAB_InputData",
	"CRAB_ISB",
	"CRAB_SiteBlacklist",
	"CRAB_SiteWhitelist",
	"CRAB_AdditionalOutputFiles",
	"CRAB_EDMOutputFiles",
	"CRAB_TFileOutputFiles",
	"CRAB_SaveLogsFlag",
	"CRAB_UserDN",
	"CRAB_UserHN",
	"CRAB_AsyncDest",
	"CRAB_BlacklistT1",
	"CRAB_SplitAlgo",
	"CRAB_AlgoArgs",
	"CRAB_PublishName",
	"CRAB_DBSUrl",
	"CRAB_PublishDBSUrl",
	"CRAB_LumiMask",
}

// splitArgNames maps a split algorithm to the name of its argument
// in CRAB_AlgoArgs.
var splitArgNames = map[string]string{
	crab.SplitLumiBased: "lumis_per_job",
	crab.SplitFileBased: "files_per_job",
}

const defaultJobType = "analysis"

func jsonString(v interface{}) (string, error) {
	buf, err := json.Marshal(v)
	return string(buf), err
}

// TaskInfo returns the SubmitInfo attributes of task, in SubmitInfo
// order.
func TaskInfo(task *crab.Task) (classad.Ad, error) {
	argName, ok := splitArgNames[task.SplitAlgo]
	if !ok {
		return nil, crab.Errorf(crab.InvalidTask, task.Name, "unsupported split algorithm %q", task.SplitAlgo)
	}
	algoArgs, err := classad.JSON(map[string]interface{}{
		"halt_job_on_file_boundaries": false,
		"splitOnRun":                  false,
		argName:                       task.SplitArgs,
	})
	if err != nil {
		return nil, err
	}
	mask, err := task.LumiMask()
	if err != nil {
		return nil, crab.Wrap(crab.InvalidTask, task.Name, err, "invalid lumi mask")
	}
	lumiMask, err := classad.JSON(mask)
	if err != nil {
		return nil, err
	}
	jobType := task.JobType
	if jobType == "" {
		jobType = defaultJobType
	}
	values := map[string]classad.Expr{
		"CRAB_Workflow":              classad.String(task.Workflow()),
		"CRAB_ReqName":               classad.String(task.Name),
		"CRAB_JobType":               classad.String(jobType),
		"CRAB_JobSW":                 classad.StringOrUndefined(task.JobSW),
		"CRAB_JobArch":               classad.StringOrUndefined(task.JobArch),
		"CRAB_InputData":             classad.StringOrUndefined(task.InputDataset),
		"CRAB_ISB":                   classad.StringOrUndefined(task.CacheURL),
		"CRAB_SiteBlacklist":         classad.List(task.SiteBlacklist),
		"CRAB_SiteWhitelist":         classad.List(task.SiteWhitelist),
		"CRAB_AdditionalOutputFiles": classad.List(task.AdditionalOutputFiles),
		"CRAB_EDMOutputFiles":        classad.List(task.EDMOutputFiles),
		"CRAB_TFileOutputFiles":      classad.List(task.TFileOutputFiles),
		"CRAB_SaveLogsFlag":          classad.IntBool(task.SaveLogs),
		"CRAB_UserDN":                classad.String(task.UserDN),
		"CRAB_UserHN":                classad.StringOrUndefined(task.UserHN),
		"CRAB_AsyncDest":             classad.StringOrUndefined(task.AsyncDest),
		"CRAB_BlacklistT1":           classad.IntBool(task.BlacklistT1),
		"CRAB_SplitAlgo":             classad.String(task.SplitAlgo),
		"CRAB_AlgoArgs":              algoArgs,
		"CRAB_PublishName":           classad.StringOrUndefined(task.PublishName),
		"CRAB_DBSUrl":                classad.StringOrUndefined(task.DBSURL),
		"CRAB_PublishDBSUrl":         classad.StringOrUndefined(task.PublishDBSURL),
		"CRAB_LumiMask":              lumiMask,
	}
	ad := make(classad.Ad, 0, len(SubmitInfo))
	for _, name := range SubmitInfo {
		ad = append(ad, classad.Attr{Name: name, Value: values[name]})
	}
	return ad, nil
}
