package dispatcher

import (
	"context"
	"fmt"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/client-go/kubernetes"
)

// int32Ptr and boolPtr mirror the small pointer-literal helpers kubetask's
// job builder uses throughout its Job spec construction.
func int32Ptr(i int32) *int32 { return &i }
func boolPtr(b bool) *bool    { return &b }

// KubernetesLauncher runs each task's runner as a Kubernetes Job, mounting
// the allocated workspace slot via a hostPath volume (spec §4.3
// "KUBERNETES"). Grounded directly on
// kubetask-io-kubetask/internal/controller/job_builder.go's buildJob:
// the pod template shape, init-container ordering, and the
// BackoffLimit(0) "AI tasks are not idempotent" rationale are carried
// over verbatim in intent.
type KubernetesLauncher struct {
	clientset    kubernetes.Interface
	namespace    string
	serviceAcct  string
	imagePullPol corev1.PullPolicy
}

// NewKubernetesLauncher returns a KubernetesLauncher that creates Jobs in
// namespace using clientset.
func NewKubernetesLauncher(clientset kubernetes.Interface, namespace, serviceAccount string) *KubernetesLauncher {
	return &KubernetesLauncher{
		clientset:    clientset,
		namespace:    namespace,
		serviceAcct:  serviceAccount,
		imagePullPol: corev1.PullIfNotPresent,
	}
}

func (l *KubernetesLauncher) Launch(ctx context.Context, req LaunchRequest) (string, error) {
	if req.Image == "" {
		return "", fmt.Errorf("%w: kubernetes launch requires an image", ErrLaunchFailed)
	}

	jobName := "necrocode-runner-" + SanitizeRunnerID(req.RunnerID)

	envVars := []corev1.EnvVar{
		{Name: "NECROCODE_TASK_ID", Value: req.TaskID},
		{Name: "NECROCODE_SPEC_NAME", Value: req.SpecName},
		{Name: "NECROCODE_BRANCH_NAME", Value: req.BranchName},
		{Name: "NECROCODE_WORKSPACE_DIR", Value: "/workspace"},
	}
	for k, v := range req.Env {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	resources := corev1.ResourceRequirements{
		Limits: corev1.ResourceList{},
	}
	if req.MemoryQuotaMB > 0 {
		resources.Limits[corev1.ResourceMemory] = *resource.NewQuantity(req.MemoryQuotaMB*1024*1024, resource.BinarySI)
	}
	if req.CPUQuota > 0 {
		resources.Limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(req.CPUQuota*1000), resource.DecimalSI)
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: l.namespace,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "necrocode-dispatcher",
				"necrocode.runner_id":          req.RunnerID,
				"necrocode.spec":               req.SpecName,
			},
		},
		Spec: batchv1.JobSpec{
			// No retries - AI tasks are not idempotent.
			BackoffLimit: int32Ptr(0),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"necrocode.runner_id": req.RunnerID},
				},
				Spec: corev1.PodSpec{
					ServiceAccountName: l.serviceAcct,
					RestartPolicy:      corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:            "runner",
							Image:           req.Image,
							ImagePullPolicy: l.imagePullPol,
							Env:             envVars,
							Resources:       resources,
							WorkingDir:      "/workspace",
							VolumeMounts: []corev1.VolumeMount{
								{Name: "workspace", MountPath: "/workspace"},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "workspace",
							VolumeSource: corev1.VolumeSource{
								HostPath: &corev1.HostPathVolumeSource{Path: req.SlotPath},
							},
						},
					},
				},
			},
		},
	}

	created, err := l.clientset.BatchV1().Jobs(l.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("%w: create job: %v", ErrLaunchFailed, err)
	}
	return created.Name, nil
}

func (l *KubernetesLauncher) Terminate(ctx context.Context, handle string) error {
	policy := metav1.DeletePropagationForeground
	err := l.clientset.BatchV1().Jobs(l.namespace).Delete(ctx, handle, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil {
		return fmt.Errorf("kubernetes launcher: delete job %s: %w", handle, err)
	}
	return nil
}
