// Package content provides the question sets administered during live tests.
//
// A test is a titled, ordered list of questions stored as one JSON or YAML
// file per test in a content directory. The file name (without extension) is
// the test id used by CreateSession requests.
//
// Scoring:
//
// Each question carries its own scoring rule:
//   - multiple_choice and true_false: case-insensitive match against
//     correct_answer, worth points
//   - weighted_multiple_choice: the points attached to the chosen option
//   - written: never auto-scored, flagged for review
//
// Usage:
//
//	manager, err := content.NewManager("content")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	test, err := manager.LoadTest("fractions-quiz")
//	grade := test.Questions[0].Grade("B")
package content
