package container

import (
	"context"
	"fmt"
	"log/slog"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
	k8swatch "k8s.io/client-go/tools/watch"
	"k8s.io/utils/ptr"
)

// K8sJob runs one sandboxed Spec as a Kubernetes Job, for bots that run as
// cluster pods rather than on bare hosts.
type K8sJob struct {
	ctx        context.Context
	logger     *slog.Logger
	clientset  *kubernetes.Clientset
	namespace  string
	jobName    string
	pvcClaim   string
	spec       Spec
}

// NewK8sJob constructs a K8sJob for spec, named jobName, in namespace,
// mounting pvcClaim at Spec.WorkDir.
func NewK8sJob(ctx context.Context, logger *slog.Logger, clientset *kubernetes.Clientset,
	namespace, jobName, pvcClaim string, spec Spec) *K8sJob {

	return &K8sJob{
		ctx: ctx, logger: logger, clientset: clientset,
		namespace: namespace, jobName: jobName, pvcClaim: pvcClaim, spec: spec,
	}
}

// Start creates the Kubernetes Job resource.
func (k *K8sJob) Start() (string, error) {
	mem := k.spec.MemoryBytes
	if mem == 0 {
		mem = DefaultMemoryBytes
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: k.jobName},
		Spec: batchv1.JobSpec{
			BackoffLimit: ptr.To(int32(0)),
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:       "pingubot-runner",
							Image:      Image,
							Command:    k.spec.Argv,
							WorkingDir: k.spec.WorkDir,
							VolumeMounts: []corev1.VolumeMount{
								{Name: "pingubot-workspace", MountPath: k.spec.WorkDir},
							},
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceMemory: *resource.NewQuantity(mem, resource.BinarySI),
									corev1.ResourceCPU:    resource.MustParse("1"),
								},
								Limits: corev1.ResourceList{
									corev1.ResourceMemory: *resource.NewQuantity(mem, resource.BinarySI),
									corev1.ResourceCPU:    resource.MustParse("1"),
								},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "pingubot-workspace",
							VolumeSource: corev1.VolumeSource{
								PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
									ClaimName: k.pvcClaim,
								},
							},
						},
					},
				},
			},
		},
	}

	if _, err := k.clientset.BatchV1().Jobs(k.namespace).Create(k.ctx, job, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("create k8s job: %w", err)
	}
	return k.jobName, nil
}

// Wait blocks until the job's pod is running or has terminated, then watches
// the job resource for success/failure.
func (k *K8sJob) Wait() error {
	if _, err := k.waitForPod(); err != nil {
		return fmt.Errorf("wait for pod: %w", err)
	}
	return k.waitForJobCompletion()
}

func (k *K8sJob) waitForPod() (*corev1.Pod, error) {
	labelSel := fmt.Sprintf("job-name=%s", k.jobName)
	lw := &cache.ListWatch{
		ListFunc: func(opts metav1.ListOptions) (runtime.Object, error) {
			opts.LabelSelector = labelSel
			return k.clientset.CoreV1().Pods(k.namespace).List(k.ctx, opts)
		},
		WatchFunc: func(opts metav1.ListOptions) (watch.Interface, error) {
			opts.LabelSelector = labelSel
			return k.clientset.CoreV1().Pods(k.namespace).Watch(k.ctx, opts)
		},
	}

	evt, err := k8swatch.UntilWithSync(k.ctx, lw, &corev1.Pod{}, nil,
		func(event watch.Event) (bool, error) {
			if event.Type == watch.Error {
				return false, fmt.Errorf("watch error: %v", event.Object)
			}
			pod, ok := event.Object.(*corev1.Pod)
			if !ok {
				return false, nil
			}
			phase := pod.Status.Phase
			return phase == corev1.PodRunning || phase == corev1.PodSucceeded ||
				phase == corev1.PodFailed, nil
		})
	if err != nil {
		return nil, err
	}
	pod, ok := evt.Object.(*corev1.Pod)
	if !ok {
		return nil, fmt.Errorf("unexpected watch object type %T", evt.Object)
	}
	return pod, nil
}

func (k *K8sJob) waitForJobCompletion() error {
	fieldSel := fmt.Sprintf("metadata.name=%s", k.jobName)
	lw := &cache.ListWatch{
		ListFunc: func(opts metav1.ListOptions) (runtime.Object, error) {
			opts.FieldSelector = fieldSel
			return k.clientset.BatchV1().Jobs(k.namespace).List(k.ctx, opts)
		},
		WatchFunc: func(opts metav1.ListOptions) (watch.Interface, error) {
			opts.FieldSelector = fieldSel
			return k.clientset.BatchV1().Jobs(k.namespace).Watch(k.ctx, opts)
		},
	}

	_, err := k8swatch.UntilWithSync(k.ctx, lw, &batchv1.Job{}, nil,
		func(event watch.Event) (bool, error) {
			if event.Type == watch.Error {
				return false, fmt.Errorf("watch error: %v", event.Object)
			}
			job, ok := event.Object.(*batchv1.Job)
			if !ok {
				return false, nil
			}
			switch {
			case job.Status.Succeeded > 0:
				return true, nil
			case job.Status.Failed > 0:
				return false, fmt.Errorf("k8s job %q failed", k.jobName)
			default:
				return false, nil
			}
		})
	return err
}

// Stop deletes the job and its pods.
func (k *K8sJob) Stop() {
	propagation := metav1.DeletePropagationBackground
	err := k.clientset.BatchV1().Jobs(k.namespace).Delete(context.Background(), k.jobName,
		metav1.DeleteOptions{PropagationPolicy: &propagation})
	if err != nil {
		k.logger.Error("failed to delete k8s job", "error", err, "job_name", k.jobName)
	}
}
