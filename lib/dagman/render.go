// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dagman

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"git.crabdag.org/crabdag.git/lib/htcondor"
	"git.crabdag.org/crabdag.git/sdk/go/classad"
)

// File names in a task's scratch directory.
const (
	DAGFile         = "RunJobs.dag"
	JobSubmitFile   = "Job.submit"
	ASOSubmitFile   = "ASO.submit"
	RootSubmitFile  = "submit.jdl"
	StartupScript   = "dag_bootstrap_startup.sh"
	BootstrapScript = "dag_bootstrap.sh"
	JobWrapper      = "gWMS-CMSRunAnalysis.sh"
)

// CompiledFiles are written to the scratch directory by WriteFiles.
var CompiledFiles = []string{DAGFile, JobSubmitFile, ASOSubmitFile}

// RootOutputFiles are transferred back when the root node exits.
var RootOutputFiles = []string{DAGFile + ".dagman.out", DAGFile + ".rescue.001"}

// Options control rendering of submit descriptions.
type Options struct {
	// ScratchDir is the absolute path of the task's scratch
	// directory.
	ScratchDir string
	// InputFiles are shipped with the root node, as names
	// relative to ScratchDir.
	InputFiles []string
	// AdditionalEnvironment entries ("KEY=value") are added to
	// the environment of every node.
	AdditionalEnvironment []string
	RemoteCondorSetup     string
	// Proxy is the user's credential file.
	Proxy string
}

// RenderDAG returns the RunJobs.dag text.
func (g *Graph) RenderDAG() []byte {
	var buf bytes.Buffer
	for _, n := range g.Nodes {
		fmt.Fprintf(&buf, "\nJOB %s %s\n", n.Name, n.Submit)
		if len(n.Pre) > 0 {
			fmt.Fprintf(&buf, "SCRIPT PRE  %s %s\n", n.Name, strings.Join(n.Pre, " "))
		}
		if len(n.Post) > 0 {
			fmt.Fprintf(&buf, "SCRIPT POST %s %s\n", n.Name, strings.Join(n.Post, " "))
		}
		if n.PreSkip != 0 {
			fmt.Fprintf(&buf, "PRE_SKIP %s %d\n", n.Name, n.PreSkip)
		}
		if n.Kind == KindPrimary {
			g.renderRetry(&buf, n)
			g.renderVars(&buf, n)
		} else {
			g.renderVars(&buf, n)
			g.renderRetry(&buf, n)
		}
		if n.Kind == KindStageOut {
			fmt.Fprintf(&buf, "\nPARENT %s CHILD %s\n", n.Parent, n.Name)
		}
	}
	return buf.Bytes()
}

func (g *Graph) renderRetry(buf *bytes.Buffer, n *Node) {
	if n.Retry.Max == 0 {
		return
	}
	fmt.Fprintf(buf, "RETRY %s %d", n.Name, n.Retry.Max)
	if n.Retry.UnlessExit != 0 {
		fmt.Fprintf(buf, " UNLESS-EXIT %d", n.Retry.UnlessExit)
	}
	buf.WriteString("\n")
}

func (g *Graph) renderVars(buf *bytes.Buffer, n *Node) {
	if len(n.Vars) == 0 {
		return
	}
	fmt.Fprintf(buf, "VARS %s", n.Name)
	for _, v := range n.Vars {
		fmt.Fprintf(buf, " %s=\"%s\"", v.Name, v.Value)
	}
	buf.WriteString("\n")
}

func (g *Graph) commonAttrs(sd *classad.SubmitDescription) {
	sd.Attrs = append(sd.Attrs, g.Info...)
	sd.Attrs.Set("CRAB_OutputData", classad.StringOrUndefined(g.Task.PublishName))
}

// JobSubmit returns the template for primary nodes (Job.submit).
func (g *Graph) JobSubmit(opts Options) *classad.SubmitDescription {
	task := g.Task
	sd := &classad.SubmitDescription{}
	g.commonAttrs(sd)
	sd.Attrs.Set(htcondor.AttrUnitID, classad.Raw("$(count)"))
	sd.Attrs.Set("CRAB_Dest", classad.String("cms://"+task.TempDest()))
	sd.Attrs.Set(htcondor.AttrTaskType, classad.String(htcondor.TaskTypePrimary))
	sd.Attrs.Set("MaxWallTimeMins", classad.Int(1315))
	sd.Attrs.Set("AccountingGroup", classad.StringOrUndefined(task.UserHN))
	sd.Attrs.Set("JOBGLIDEIN_CMSSite", classad.Raw(`"$$([ifThenElse(GLIDEIN_CMSSite is undefined, \"Unknown\", GLIDEIN_CMSSite)])"`))

	sd.Set("CRAB_Attempt", "0")
	sd.Set("CRAB_ISB", task.CacheURL)
	sd.Set("CRAB_AdditionalOutputFiles", "{}")
	sd.Set("CRAB_JobSW", task.JobSW)
	sd.Set("CRAB_JobArch", task.JobArch)
	sd.Set("CRAB_Archive", task.CacheFilename)
	sd.Set("CRAB_DBSURL", task.DBSURL)
	sd.Set("CRAB_PublishDBSURL", task.PublishDBSURL)
	sd.Set("CRAB_Publish", fmt.Sprintf("%d", boolInt(task.Publication)))
	sd.Set("CRAB_Id", "$(count)")
	sd.Set("job_ad_information_attrs", "MATCH_EXP_JOBGLIDEIN_CMSSite, JOBGLIDEIN_CMSSite")
	sd.Set("universe", "vanilla")
	sd.Set("Executable", JobWrapper)
	sd.Set("Output", "job_out.$(CRAB_Id)")
	sd.Set("Error", "job_err.$(CRAB_Id)")
	sd.Set("Log", "job_log.$(CRAB_Id)")
	sd.Set("Arguments", `"-a $(CRAB_Archive) --sourceURL=$(CRAB_ISB) --jobNumber=$(CRAB_Id) --cmsswVersion=$(CRAB_JobSW) --scramArch=$(CRAB_JobArch) '--inputFile=$(inputFiles)' '--runAndLumis=$(runAndLumiMask)' -o $(CRAB_AdditionalOutputFiles)"`)
	sd.Set("transfer_input_files", "CMSRunAnalysis.sh, cmscp.py")
	sd.Set("transfer_output_files", "jobReport.json.$(count)")
	sd.Set("Environment", strings.Join(append([]string{"SCRAM_ARCH=$(CRAB_JobArch)"}, opts.AdditionalEnvironment...), ";"))
	sd.Set("should_transfer_files", "YES")
	sd.Set("use_x509userproxy", "true")
	sd.Set("Requirements", "(target.IS_GLIDEIN =!= TRUE) || (target.GLIDEIN_CMSSite =!= UNDEFINED)")
	return sd
}

// ASOSubmit returns the template for stage-out nodes (ASO.submit).
func (g *Graph) ASOSubmit(opts Options) *classad.SubmitDescription {
	task := g.Task
	sd := &classad.SubmitDescription{}
	g.commonAttrs(sd)
	sd.Attrs.Set(htcondor.AttrTaskType, classad.String(htcondor.TaskTypeStageOut))
	sd.Attrs.Set(htcondor.AttrUnitID, classad.Raw("$(count)"))
	sd.Attrs.Set("TransferOutput", classad.String(""))

	sd.Set("universe", "local")
	sd.Set("Executable", BootstrapScript)
	sd.Set("Arguments", fmt.Sprintf(`"ASO %s %s %s $(count) $(Cluster).$(Process) cmsRun_$(count).log.tar.gz $(outputFiles)"`,
		task.AsyncDest, task.TempDest(), task.OutputDest()))
	sd.Set("Output", "aso.$(count).out")
	sd.Set("Error", "aso.$(count).err")
	sd.Set("transfer_input_files", "job_log.$(count), jobReport.json.$(count)")
	sd.Set("Environment", strings.Join(append([]string{"PATH=/usr/bin:/bin"}, opts.AdditionalEnvironment...), ";"))
	sd.Set("use_x509userproxy", "true")
	return sd
}

// RootSubmit returns the submit description of the root DAGMan node.
// In direct mode, paths are absolute and the description is
// submitted from ScratchDir. In remote mode, paths are relative to
// the directory the description is shipped to.
func (g *Graph) RootSubmit(mode htcondor.Mode, opts Options) *classad.SubmitDescription {
	sd := &classad.SubmitDescription{Queue: 1}
	g.commonAttrs(sd)
	for _, a := range g.Root.Attrs {
		sd.Attrs.Set(a.Name, a.Value)
	}
	sd.Attrs.Set(htcondor.AttrAttempt, classad.Int(0))
	sd.Attrs.Set(htcondor.AttrHoldKillSig, classad.String("SIGUSR1"))
	sd.Attrs.Set("OtherJobRemoveRequirements", classad.Raw("DAGManJobId =?= ClusterId"))
	sd.Attrs.Set("RemoteCondorSetup", classad.String(opts.RemoteCondorSetup))

	path := "/usr/bin:/bin"
	scratch := opts.ScratchDir
	proxy := opts.Proxy
	if mode == htcondor.ModeRemote {
		path += ":/opt/glidecondor/bin"
		scratch = "."
		proxy = filepath.Base(proxy)
	}
	env := ""
	if len(opts.AdditionalEnvironment) > 0 {
		env = " " + strings.Join(opts.AdditionalEnvironment, " ")
	}
	sd.Attrs.Set("Environment", classad.Raw(fmt.Sprintf(`strcat("PATH=%s CONDOR_ID=", ClusterId, ".", ProcId, %s)`, path, classad.Quote(env))))

	sd.Set("universe", "local")
	if mode == htcondor.ModeDirect {
		sd.Set("initialdir", scratch)
	}
	sd.Set("output", filepath.Join(scratch, "request.out"))
	sd.Set("error", filepath.Join(scratch, "request.err"))
	sd.Set("executable", filepath.Join(scratch, StartupScript))
	sd.Set("arguments", DAGFile)
	sd.Set("transfer_input_files", strings.Join(opts.InputFiles, ", "))
	sd.Set("transfer_output_files", strings.Join(RootOutputFiles, ", "))
	sd.Set("leave_in_queue", "(JobStatus == 4) && ((StageOutFinish =?= UNDEFINED) || (StageOutFinish == 0)) && (time() - EnteredCurrentStatus < 14*24*60*60)")
	sd.Set("on_exit_remove", "( ExitSignal =?= 11 || (ExitCode =!= UNDEFINED && ExitCode >=0 && ExitCode <= 2))")
	sd.Set("on_exit_hold", "(ExitCode =!= UNDEFINED && ExitCode != 0)")
	sd.Set("remove_kill_sig", "SIGUSR1")
	sd.Set("x509userproxy", proxy)
	return sd
}

// InputFiles returns the files shipped with the root node: the
// bootstrap files other than the startup script, followed by the
// compiled files.
func InputFiles(bootstrap []string) []string {
	var files []string
	seen := map[string]bool{StartupScript: true}
	for _, fnm := range append(append([]string(nil), bootstrap...), CompiledFiles...) {
		fnm = filepath.Base(fnm)
		if !seen[fnm] {
			seen[fnm] = true
			files = append(files, fnm)
		}
	}
	return files
}

// WriteFiles writes the DAG and the per-kind submit templates to
// dir.
func (g *Graph) WriteFiles(dir string, opts Options) error {
	for fnm, data := range map[string][]byte{
		DAGFile:       g.RenderDAG(),
		JobSubmitFile: g.JobSubmit(opts).Render(),
		ASOSubmitFile: g.ASOSubmit(opts).Render(),
	} {
		if err := os.WriteFile(filepath.Join(dir, fnm), data, 0644); err != nil {
			return err
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
