package controller

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	stagevarv1alpha1 "github.com/razvanmacovei/stagevar-gateway/api/v1alpha1"
	"github.com/razvanmacovei/stagevar-gateway/internal/metrics"
	"github.com/razvanmacovei/stagevar-gateway/internal/registry"
	"github.com/razvanmacovei/stagevar-gateway/internal/target"
)

const finalizerName = "stagevar.io/finalizer"

// StageBindingReconciler reconciles a StageBinding object into the target registry.
//
// The registry is per process, so the controller runs on every replica rather
// than only on the elected leader.
type StageBindingReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder
	Registry *registry.Store
	Factory  *target.Factory
}

// +kubebuilder:rbac:groups=stagevar.io,resources=stagebindings,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=stagevar.io,resources=stagebindings/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=stagevar.io,resources=stagebindings/finalizers,verbs=update
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch
// +kubebuilder:rbac:groups=coordination.k8s.io,resources=leases,verbs=get;list;watch;create;update;patch;delete

func (r *StageBindingReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)
	source := sourceFor(req.NamespacedName)

	var binding stagevarv1alpha1.StageBinding
	if err := r.Get(ctx, req.NamespacedName, &binding); err != nil {
		if apierrors.IsNotFound(err) {
			// Deleted without passing through the finalizer; drop anything it still owns.
			if n := r.unbindAll(source); n > 0 {
				logger.Info("StageBinding gone, released stale bindings", "count", n)
			}
			return ctrl.Result{}, nil
		}
		logger.Error(err, "unable to fetch StageBinding")
		return ctrl.Result{}, err
	}

	// Handle deletion with finalizer.
	if !binding.DeletionTimestamp.IsZero() {
		if controllerutil.ContainsFinalizer(&binding, finalizerName) {
			r.unbind(ctx, &binding, source)
			controllerutil.RemoveFinalizer(&binding, finalizerName)
			if err := r.Update(ctx, &binding); err != nil {
				return ctrl.Result{}, err
			}
		}
		return ctrl.Result{}, nil
	}

	if !controllerutil.ContainsFinalizer(&binding, finalizerName) {
		controllerutil.AddFinalizer(&binding, finalizerName)
		if err := r.Update(ctx, &binding); err != nil {
			return ctrl.Result{}, err
		}
	}

	if err := validateBinding(&binding.Spec); err != nil {
		logger.Error(err, "invalid StageBinding spec")
		r.event(&binding, corev1.EventTypeWarning, "InvalidSpec", err.Error())
		r.setCondition(&binding, metav1.ConditionFalse, "InvalidSpec", err.Error())
		r.updateStatus(ctx, &binding, binding.Status.BoundStage, false)
		return ctrl.Result{}, reconcile.TerminalError(err)
	}

	descriptor, err := r.describe(ctx, &binding, source)
	if err != nil {
		logger.Error(err, "failed to build target")
		r.event(&binding, corev1.EventTypeWarning, "TargetError", err.Error())
		r.setCondition(&binding, metav1.ConditionFalse, "TargetError", err.Error())
		r.updateStatus(ctx, &binding, binding.Status.BoundStage, false)
		return ctrl.Result{}, err
	}

	stage := binding.Spec.Stage
	if prev, ok := r.Registry.Lookup(stage); ok && prev.Source != source {
		logger.Info("replacing existing binding", "stage", stage, "previousSource", prev.Source)
		r.event(&binding, corev1.EventTypeNormal, "StageTakenOver", fmt.Sprintf("Stage %q was bound by %s", stage, prev.Source))
	}
	if err := r.Registry.Register(stage, descriptor); err != nil {
		r.setCondition(&binding, metav1.ConditionFalse, "RegisterError", err.Error())
		r.updateStatus(ctx, &binding, binding.Status.BoundStage, false)
		return ctrl.Result{}, reconcile.TerminalError(err)
	}

	// The stage moved: release the old key if we still own it.
	if old := binding.Status.BoundStage; old != "" && old != stage {
		if r.Registry.CompareAndUnregister(old, source) {
			logger.Info("released previous stage", "stage", old)
		}
	}

	metrics.RegistryUpdatesTotal.Inc()
	metrics.ActiveStages.Set(float64(r.Registry.Count()))

	if binding.Status.BoundStage != stage || binding.Status.TargetID != descriptor.ID {
		r.event(&binding, corev1.EventTypeNormal, "Registered", fmt.Sprintf("Stage %q bound to target %q", stage, descriptor.ID))
	}
	binding.Status.TargetID = descriptor.ID
	r.setCondition(&binding, metav1.ConditionTrue, "Registered", fmt.Sprintf("Stage %q is bound and serving traffic", stage))
	r.updateStatus(ctx, &binding, stage, true)

	logger.Info("reconciliation complete", "stage", stage, "target", descriptor.ID, "kind", binding.Spec.Target.Kind)
	return ctrl.Result{}, nil
}

// describe builds the registry descriptor for binding.
func (r *StageBindingReconciler) describe(ctx context.Context, binding *stagevarv1alpha1.StageBinding, source string) (registry.Descriptor, error) {
	t := binding.Spec.Target
	id := t.ID
	if id == "" {
		id = binding.Spec.Stage
	}
	qualifier := t.Qualifier
	if qualifier == "" {
		qualifier = binding.Spec.Stage
	}

	inv, err := r.Factory.Build(ctx, target.Spec{
		Kind:                t.Kind,
		Version:             id,
		URL:                 t.URL,
		FunctionName:        t.FunctionName,
		Qualifier:           qualifier,
		Message:             t.Message,
		ReservedConcurrency: t.ReservedConcurrency,
	})
	if err != nil {
		return registry.Descriptor{}, fmt.Errorf("build %s target: %w", t.Kind, err)
	}

	d := registry.Descriptor{ID: id, Endpoint: inv, Source: source}
	if t.Timeout != nil {
		d.Timeout = t.Timeout.Duration
	}
	return d, nil
}

// unbind removes the stages this binding registered, leaving stages that
// another source has since taken over.
func (r *StageBindingReconciler) unbind(ctx context.Context, binding *stagevarv1alpha1.StageBinding, source string) {
	logger := log.FromContext(ctx)
	for _, stage := range []string{binding.Status.BoundStage, binding.Spec.Stage} {
		if stage == "" {
			continue
		}
		if r.Registry.CompareAndUnregister(stage, source) {
			logger.Info("finalizer: stage unbound", "stage", stage)
		}
	}
	metrics.RegistryUpdatesTotal.Inc()
	metrics.ActiveStages.Set(float64(r.Registry.Count()))
}

func (r *StageBindingReconciler) unbindAll(source string) int {
	n := 0
	for _, stage := range r.Registry.Stages() {
		if r.Registry.CompareAndUnregister(stage, source) {
			n++
		}
	}
	if n > 0 {
		metrics.RegistryUpdatesTotal.Inc()
		metrics.ActiveStages.Set(float64(r.Registry.Count()))
	}
	return n
}

func (r *StageBindingReconciler) event(binding *stagevarv1alpha1.StageBinding, eventType, reason, message string) {
	if r.Recorder != nil {
		r.Recorder.Event(binding, eventType, reason, message)
	}
}

func (r *StageBindingReconciler) setCondition(binding *stagevarv1alpha1.StageBinding, status metav1.ConditionStatus, reason, message string) {
	meta.SetStatusCondition(&binding.Status.Conditions, metav1.Condition{
		Type:               "Ready",
		Status:             status,
		Reason:             reason,
		Message:            message,
		ObservedGeneration: binding.Generation,
		LastTransitionTime: metav1.Now(),
	})
}

func (r *StageBindingReconciler) updateStatus(ctx context.Context, binding *stagevarv1alpha1.StageBinding, boundStage string, ready bool) {
	binding.Status.BoundStage = boundStage
	binding.Status.Ready = ready

	if err := r.Status().Update(ctx, binding); err != nil {
		log.FromContext(ctx).Error(err, "failed to update StageBinding status")
	}
}

// SetupWithManager sets up the controller with the Manager.
func (r *StageBindingReconciler) SetupWithManager(mgr ctrl.Manager) error {
	needLeaderElection := false
	return ctrl.NewControllerManagedBy(mgr).
		For(&stagevarv1alpha1.StageBinding{}, builder.WithPredicates(predicate.GenerationChangedPredicate{})).
		WithOptions(controller.Options{NeedLeaderElection: &needLeaderElection}).
		Complete(r)
}

func sourceFor(key types.NamespacedName) string {
	return "stagebinding/" + key.Namespace + "/" + key.Name
}
