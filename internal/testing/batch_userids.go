package testing

import "github.com/google/uuid"

// UserIDs generates n distinct random identities
func UserIDs(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	return ids
}

// BatchUserIDs splits single userIDs slice into pairs where first one is the first provided
// userID e.g. [a, b, c, d] -> [[a,b], [a,c], [a,d]]
func BatchUserIDs(userIDs []uuid.UUID) [][2]uuid.UUID {
	if len(userIDs) < 2 {
		return nil
	}

	batches := make([][2]uuid.UUID, 0, len(userIDs)-1)
	for i := 1; i < len(userIDs); i++ {
		batches = append(batches, [2]uuid.UUID{userIDs[0], userIDs[i]})
	}

	return batches
}
