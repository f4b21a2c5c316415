package files

import "github.com/stretchr/testify/mock"

type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) ResolveURL(ref string) (string, error) {
	args := m.Called(ref)
	return args.String(0), args.Error(1)
}
