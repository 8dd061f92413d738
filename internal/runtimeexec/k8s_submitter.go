package runtimeexec

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/runsync/internal/platform/k8s"
)

var dnsLabelInvalid = regexp.MustCompile(`[^a-z0-9-]+`)

type jobCreator interface {
	CreateJob(ctx context.Context, namespace string, job k8s.Job) error
}

// KubernetesJobSubmitter runs the processing command as a batch/v1 Job.
type KubernetesJobSubmitter struct {
	client            jobCreator
	namespace         string
	image             string
	command           string
	args              []string
	swmrArgs          []string
	jobTTLSeconds     int32
	jobServiceAccount string

	newSuffix func() string
}

type KubernetesJobConfig struct {
	Namespace      string
	Image          string
	Command        string
	Args           []string
	SWMRArgs       []string
	JobTTLSeconds  int32
	ServiceAccount string
}

func NewKubernetesJobSubmitter(client *k8s.Client, cfg KubernetesJobConfig) (*KubernetesJobSubmitter, error) {
	if client == nil {
		return nil, errors.New("k8s client is required")
	}
	return newKubernetesJobSubmitter(client, client.Namespace(), cfg)
}

func newKubernetesJobSubmitter(client jobCreator, clientNamespace string, cfg KubernetesJobConfig) (*KubernetesJobSubmitter, error) {
	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		namespace = strings.TrimSpace(clientNamespace)
	}
	if namespace == "" {
		return nil, errors.New("job namespace is required")
	}
	if strings.TrimSpace(cfg.Image) == "" {
		return nil, errors.New("image is required")
	}
	if cfg.JobTTLSeconds < 0 {
		return nil, errors.New("job ttl must be non-negative")
	}
	return &KubernetesJobSubmitter{
		client:            client,
		namespace:         namespace,
		image:             strings.TrimSpace(cfg.Image),
		command:           strings.TrimSpace(cfg.Command),
		args:              cfg.Args,
		swmrArgs:          cfg.SWMRArgs,
		jobTTLSeconds:     cfg.JobTTLSeconds,
		jobServiceAccount: strings.TrimSpace(cfg.ServiceAccount),
		newSuffix:         func() string { return uuid.NewString()[:8] },
	}, nil
}

func (s *KubernetesJobSubmitter) Kind() string {
	return "kubernetes_job"
}

func (s *KubernetesJobSubmitter) Submit(ctx context.Context, spec JobSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	jobName := JobResourceName(spec, s.newSuffix())
	labels := map[string]string{
		"app.kubernetes.io/name":      "runsync",
		"app.kubernetes.io/component": "processing-job",
		"runsync.run_name":            dnsLabel(spec.RunName),
		"runsync.mode":                string(spec.Mode),
	}

	container := k8s.Container{
		Name:  "processing",
		Image: s.image,
		Args:  commandArgs(spec, s.args, s.swmrArgs),
	}
	if s.command != "" {
		container.Command = []string{s.command}
	}
	for _, kv := range jobEnv(spec) {
		container.Env = append(container.Env, k8s.EnvVar{Name: kv[0], Value: kv[1]})
	}

	podSpec := k8s.PodSpec{
		RestartPolicy: "Never",
		Containers:    []k8s.Container{container},
	}
	if s.jobServiceAccount != "" {
		podSpec.ServiceAccountName = s.jobServiceAccount
	}

	backoff := int32(0)
	var ttl *int32
	if s.jobTTLSeconds > 0 {
		ttl = &s.jobTTLSeconds
	}

	job := k8s.Job{
		Metadata: k8s.ObjectMeta{Name: jobName, Namespace: s.namespace, Labels: labels},
		Spec: k8s.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: ttl,
			Template: k8s.PodTemplateSpec{
				Metadata: k8s.ObjectMeta{Labels: labels},
				Spec:     podSpec,
			},
		},
	}

	err := s.client.CreateJob(ctx, s.namespace, job)
	if err == nil || errors.Is(err, k8s.ErrAlreadyExists) {
		return s.namespace + "/" + jobName, nil
	}
	return "", err
}

// JobResourceName derives a DNS-1123 job name from the run and mode, capped
// at 63 characters including the suffix.
func JobResourceName(spec JobSpec, suffix string) string {
	base := "runsync-" + dnsLabel(spec.JobName())
	limit := 63 - len(suffix) - 1
	if len(base) > limit {
		base = strings.TrimRight(base[:limit], "-")
	}
	return base + "-" + suffix
}

func dnsLabel(s string) string {
	s = dnsLabelInvalid.ReplaceAllString(strings.ToLower(s), "-")
	s = strings.Trim(s, "-")
	if len(s) > 63 {
		s = strings.TrimRight(s[:63], "-")
	}
	return s
}
