package zk

import "sync"

// Job is a handle to a job object. Jobs gate process creation through their
// new-process policy.
type Job struct {
	*Handle
}

type jobObject struct {
	refcount
	k    *Kernel
	name string

	mu              sync.Mutex
	allowNewProcess bool
}

func (*jobObject) kind() string { return "job" }
func (j *jobObject) release()   { j.decref() }

func newJob(k *Kernel, name string, allowNewProcess bool) *Job {
	obj := &jobObject{k: k, name: name, allowNewProcess: allowNewProcess}
	return &Job{Handle: newHandle(k, obj, RightsDefault)}
}

func (j *Job) o() (*jobObject, error) {
	obj, err := j.resolve()
	if err != nil {
		return nil, err
	}
	jo, ok := obj.(*jobObject)
	if !ok {
		return nil, StatusWrongType
	}
	return jo, nil
}

// CreateChildJob creates a job under j. The child inherits j's new-process
// policy.
func (j *Job) CreateChildJob(name string) (*Job, error) {
	jo, err := j.o()
	if err != nil {
		return nil, err
	}
	jo.mu.Lock()
	allow := jo.allowNewProcess
	jo.mu.Unlock()
	return newJob(jo.k, name, allow), nil
}

// SetNewProcessPolicy allows or denies direct process creation in this job.
func (j *Job) SetNewProcessPolicy(allow bool) error {
	jo, err := j.o()
	if err != nil {
		return err
	}
	jo.mu.Lock()
	jo.allowNewProcess = allow
	jo.mu.Unlock()
	return nil
}

// CreateProcess creates a process in the job along with its root VMAR.
// It fails with StatusAccessDenied if the job's policy denies direct process
// creation.
func (j *Job) CreateProcess(name string) (*Process, *VMAR, error) {
	jo, err := j.o()
	if err != nil {
		return nil, nil, err
	}
	jo.mu.Lock()
	allow := jo.allowNewProcess
	jo.mu.Unlock()
	if !allow {
		return nil, nil, StatusAccessDenied
	}
	return newProcess(jo.k, name)
}
