// Package storage persists the agent's two state blobs: a sensitive
// one (keypairs, invite token, peer CA PEMs) backed by a Secret, and
// a plain one (apps, approvals, settings, notifications) backed by a
// ConfigMap. Both are read-modify-write with optimistic retry on
// version conflict, so concurrent writers never lose updates.
package storage

import (
	"context"
	"fmt"
	"sync"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
)

// blobKey is the single data key under which each blob's JSON lives.
const blobKey = "state.json"

// Blob is one durable JSON document.
type Blob interface {
	// Load returns the current contents, nil when the blob does not
	// exist yet.
	Load(ctx context.Context) ([]byte, error)
	// Update atomically applies mutate to the current contents and
	// persists the result. mutate may run more than once when the
	// write races another writer.
	Update(ctx context.Context, mutate func(current []byte) ([]byte, error)) error
}

// SecretBlob stores the sensitive blob in a Kubernetes Secret.
type SecretBlob struct {
	client    kubernetes.Interface
	namespace string
	name      string
}

func NewSecretBlob(client kubernetes.Interface, namespace, name string) *SecretBlob {
	return &SecretBlob{client: client, namespace: namespace, name: name}
}

func (b *SecretBlob) Load(ctx context.Context) ([]byte, error) {
	sec, err := b.client.CoreV1().Secrets(b.namespace).Get(ctx, b.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load secret %s/%s: %w", b.namespace, b.name, err)
	}
	return sec.Data[blobKey], nil
}

func (b *SecretBlob) Update(ctx context.Context, mutate func([]byte) ([]byte, error)) error {
	secrets := b.client.CoreV1().Secrets(b.namespace)
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		sec, err := secrets.Get(ctx, b.name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			next, merr := mutate(nil)
			if merr != nil {
				return merr
			}
			_, cerr := secrets.Create(ctx, &corev1.Secret{
				ObjectMeta: metav1.ObjectMeta{Name: b.name, Namespace: b.namespace},
				Data:       map[string][]byte{blobKey: next},
			}, metav1.CreateOptions{})
			if apierrors.IsAlreadyExists(cerr) {
				// Lost the create race; retry as an update.
				return apierrors.NewConflict(corev1.Resource("secrets"), b.name, cerr)
			}
			return cerr
		}
		if err != nil {
			return err
		}
		next, merr := mutate(sec.Data[blobKey])
		if merr != nil {
			return merr
		}
		if sec.Data == nil {
			sec.Data = map[string][]byte{}
		}
		sec.Data[blobKey] = next
		_, err = secrets.Update(ctx, sec, metav1.UpdateOptions{})
		return err
	})
}

// ConfigMapBlob stores the plain blob in a ConfigMap.
type ConfigMapBlob struct {
	client    kubernetes.Interface
	namespace string
	name      string
}

func NewConfigMapBlob(client kubernetes.Interface, namespace, name string) *ConfigMapBlob {
	return &ConfigMapBlob{client: client, namespace: namespace, name: name}
}

func (b *ConfigMapBlob) Load(ctx context.Context) ([]byte, error) {
	cm, err := b.client.CoreV1().ConfigMaps(b.namespace).Get(ctx, b.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load configmap %s/%s: %w", b.namespace, b.name, err)
	}
	return []byte(cm.Data[blobKey]), nil
}

func (b *ConfigMapBlob) Update(ctx context.Context, mutate func([]byte) ([]byte, error)) error {
	maps := b.client.CoreV1().ConfigMaps(b.namespace)
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		cm, err := maps.Get(ctx, b.name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			next, merr := mutate(nil)
			if merr != nil {
				return merr
			}
			_, cerr := maps.Create(ctx, &corev1.ConfigMap{
				ObjectMeta: metav1.ObjectMeta{Name: b.name, Namespace: b.namespace},
				Data:       map[string]string{blobKey: string(next)},
			}, metav1.CreateOptions{})
			if apierrors.IsAlreadyExists(cerr) {
				return apierrors.NewConflict(corev1.Resource("configmaps"), b.name, cerr)
			}
			return cerr
		}
		if err != nil {
			return err
		}
		var current []byte
		if cm.Data != nil {
			current = []byte(cm.Data[blobKey])
		}
		next, merr := mutate(current)
		if merr != nil {
			return merr
		}
		if cm.Data == nil {
			cm.Data = map[string]string{}
		}
		cm.Data[blobKey] = string(next)
		_, err = maps.Update(ctx, cm, metav1.UpdateOptions{})
		return err
	})
}

// MemoryBlob is an in-process Blob for tests.
type MemoryBlob struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryBlob() *MemoryBlob { return &MemoryBlob{} }

func (b *MemoryBlob) Load(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil, nil
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out, nil
}

func (b *MemoryBlob) Update(ctx context.Context, mutate func([]byte) ([]byte, error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, err := mutate(b.data)
	if err != nil {
		return err
	}
	b.data = next
	return nil
}
